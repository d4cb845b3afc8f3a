// gattd runs the attribute-exchange engine end to end over an in-process
// loopback connection: a server hosting a battery service and a client that
// discovers it, subscribes and logs the notifications.
package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/att"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/config"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/gatt"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/settings"
	"github.com/Audio-Inventions-Ltd/audio-inventions-zephyr/uuid"
)

var (
	batteryServiceUUID = uuid.UUID16(0x180F)
	batteryLevelUUID   = uuid.UUID16(0x2A19)
)

func main() {
	app := cli.NewApp()
	app.Name = "gattd"
	app.Usage = "GATT attribute-exchange daemon over a loopback transport"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file",
			Value: "gattd.yaml",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "debug logging",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetLevel(cfg.Level())
	if c.Bool("verbose") {
		logger.SetLevel(logrus.DebugLevel)
	}

	store, err := settings.Open(cfg.SettingsPath, logger)
	if err != nil {
		return err
	}

	srv := gatt.NewServer(gatt.ServerOptions{
		Logger:            logger,
		Store:             store,
		CCCCapacity:       cfg.CCC.Capacity,
		CCCEvict:          cfg.CCC.Evict,
		RxMTU:             cfg.RxMTU,
		PrepareQueueDepth: cfg.PrepareQueueDepth,
	})
	defer srv.Close()

	var levelMu sync.Mutex
	level := byte(100)

	if err := srv.Register(srv.NewGATTService()); err != nil {
		return err
	}
	battery := gatt.NewService(batteryServiceUUID)
	ch := battery.NewCharacteristic(batteryLevelUUID,
		gatt.CharRead|gatt.CharNotify, gatt.PermRead,
		gatt.ReadHandlerFunc(func(conn gatt.Conn, attr *gatt.Attribute, offset uint16) ([]byte, error) {
			levelMu.Lock()
			defer levelMu.Unlock()
			return gatt.ReadValue([]byte{level}, offset)
		}), nil)
	ch.AddUserDescription("Battery Level")
	ch.AddDescriptor(srv.CCC().NewAttr(0, gatt.CCCHandlers{
		Changed: func(v uint16) {
			logger.WithField("value", v).Info("battery level subscribers changed")
		},
	}))
	if err := srv.Register(battery); err != nil {
		return err
	}

	srv.StartReplay()
	if err := store.Replay(func(id uint8, peer string, handle uint16, value uint16) error {
		return srv.CCC().Load(id, peer, handle, value)
	}); err != nil {
		return err
	}
	srv.SettingsLoaded()

	client := gatt.NewClient(gatt.ClientOptions{Logger: logger})
	lb := newLoopback(srv, client, cfg.QueueDepth, "aa:bb:cc:dd:ee:ff")
	defer lb.close()
	srv.Connected(lb.srvConn)
	client.Connected(lb.cliConn)
	defer func() {
		client.Disconnected(lb.cliConn)
		srv.Disconnected(lb.srvConn)
	}()

	if err := client.ExchangeMTU(lb.cliConn, &gatt.ExchangeMTUParams{
		Func: func(conn gatt.Conn, err error, p *gatt.ExchangeMTUParams) {
			if err != nil {
				logger.WithError(err).Warn("MTU exchange failed")
				return
			}
			logger.WithField("mtu", conn.Transport().MTU()).Info("MTU exchanged")
		},
	}); err != nil {
		return err
	}

	var valueHandle, endHandle uint16
	disc := make(chan struct{})
	err = client.Discover(lb.cliConn, &gatt.DiscoverParams{
		Type:  gatt.DiscoverCharacteristic,
		UUID:  batteryLevelUUID,
		Start: att.FirstHandle,
		End:   att.LastHandle,
		Func: func(conn gatt.Conn, a *gatt.Attribute, p *gatt.DiscoverParams) gatt.Iter {
			if a == nil {
				close(disc)
				return gatt.IterStop
			}
			cv := a.UserData.(*gatt.CharacteristicValue)
			valueHandle = cv.ValueHandle
			endHandle = p.End
			logger.WithFields(logrus.Fields{
				"handle": a.Handle,
				"value":  cv.ValueHandle,
			}).Info("battery level discovered")
			return gatt.IterContinue
		},
	})
	if err != nil {
		return err
	}
	<-disc
	if valueHandle == 0 {
		logger.Error("battery level characteristic not found")
		return nil
	}

	sub := &gatt.SubscribeParams{
		ValueHandle: valueHandle,
		EndHandle:   endHandle,
		Value:       gatt.CCCNotify,
		Notify: func(conn gatt.Conn, p *gatt.SubscribeParams, data []byte) gatt.Iter {
			if data == nil {
				logger.Info("unsubscribed")
				return gatt.IterStop
			}
			logger.WithField("level", data[0]).Info("battery level")
			return gatt.IterContinue
		},
		Subscribe: func(conn gatt.Conn, err error, p *gatt.SubscribeParams) {
			if err != nil {
				logger.WithError(err).Warn("subscribe failed")
				return
			}
			logger.WithField("ccc", p.CCCHandle).Info("subscribed")
		},
	}
	if err := client.Subscribe(lb.cliConn, sub); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-ticker.C:
			levelMu.Lock()
			if level > 0 {
				level--
			}
			v := level
			levelMu.Unlock()
			err := srv.Notify(nil, &gatt.NotifyParams{
				Attr: attrOf(srv, valueHandle),
				Data: []byte{v},
			})
			if err != nil && err != gatt.ErrNotFound {
				logger.WithError(err).Warn("notify failed")
			}
		case <-sig:
			logger.Info("shutting down")
			return nil
		}
	}
}

func attrOf(srv *gatt.Server, handle uint16) *gatt.Attribute {
	a, _ := srv.DB().At(handle)
	return a
}
