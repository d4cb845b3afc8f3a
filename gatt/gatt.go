// Package gatt implements the attribute-exchange engine of a Bluetooth Low
// Energy stack: the local attribute database with handle allocation, the
// per-peer subscription (CCC) state, notification and indication dispatch
// with batching and backpressure, and the client-side discovery, read,
// write and subscription procedures.
//
// The transport that frames and exchanges raw PDUs, pairing and security,
// settings persistence and the callback scheduler are external
// collaborators reached through small interfaces; see package att and the
// Store, Authorization and Monitor types here.
package gatt

import "github.com/sirupsen/logrus"

// Iter is the verdict a range or procedure callback returns.
type Iter uint8

// Iteration verdicts.
const (
	IterStop Iter = iota
	IterContinue
)

func defaultLogger(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	return logrus.StandardLogger()
}
