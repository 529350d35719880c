// Command messenger is a minimal CLI over the client library: register an
// account, link this machine as a secondary device, send a message, or sit on
// the socket and print what arrives.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forstalabs/librelay/internal/client"
	"github.com/forstalabs/librelay/internal/config"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/payload"
	"github.com/forstalabs/librelay/internal/sender"
	"github.com/forstalabs/librelay/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: messenger <command> [flags]

commands:
  register  -label <name>                   register a fresh primary account
  link      -label <name>                   provision this machine as a new device
  send      -to <user-uuid> -thread <uuid> -text <msg>
  listen                                    print inbound traffic

environment:
  ATLAS_URL        directory service base URL
  ATLAS_JWT        directory service token
  STORE_BACKEND    sqlite (default), memory, redis, postgres, consul, vault
  STORE_DSN        backend-specific location
`)
	os.Exit(2)
}

func main() {
	config.Load()
	if len(os.Args) < 2 {
		usage()
	}

	backend, err := store.Open(config.GetString("STORE_BACKEND", "sqlite"), config.GetString("STORE_DSN", ""))
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer backend.Close()

	c := client.New(config.GetString("ATLAS_URL", ""), backend)
	defer c.Close()
	if jwt := config.GetString("ATLAS_JWT", ""); jwt != "" {
		if err := c.Atlas.SetJWT(jwt); err != nil {
			log.Fatalf("bad ATLAS_JWT: %v", err)
		}
	}

	switch os.Args[1] {
	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		label := fs.String("label", "librelay", "device label")
		fs.Parse(os.Args[2:])
		if err := c.Account.Register(*label); err != nil {
			log.Fatalf("registration failed: %v", err)
		}
		addr, _ := c.State.OwnAddress()
		fmt.Printf("registered as %s\n", addr)

	case "link":
		fs := flag.NewFlagSet("link", flag.ExitOnError)
		label := fs.String("label", "librelay", "device label")
		timeout := fs.Duration("timeout", 2*time.Minute, "how long to wait for an existing device")
		fs.Parse(os.Args[2:])
		if err := c.Account.RegisterDevice(*label, *timeout); err != nil {
			log.Fatalf("device provisioning failed: %v", err)
		}
		addr, _ := c.State.OwnAddress()
		fmt.Printf("provisioned as %s\n", addr)

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		to := fs.String("to", "", "recipient user uuid")
		thread := fs.String("thread", "", "thread uuid (random if empty)")
		text := fs.String("text", "", "message text")
		fs.Parse(os.Args[2:])

		userID, err := uuid.Parse(*to)
		if err != nil {
			log.Fatalf("bad -to: %v", err)
		}
		threadID := uuid.New()
		if *thread != "" {
			if threadID, err = uuid.Parse(*thread); err != nil {
				log.Fatalf("bad -thread: %v", err)
			}
		}

		p := payload.New(threadID, fmt.Sprintf("<%s>", userID))
		p.SetBodyText(*text)
		infos, err := c.Sender.Send(&sender.Request{
			Payload:    p,
			Recipients: []sender.Recipient{sender.User(userID)},
		})
		if err != nil {
			log.Fatalf("send failed: %v", err)
		}
		for _, info := range infos {
			fmt.Printf("delivered to %s (%d devices)\n", info.Recipient, info.DeviceCount)
		}

	case "listen":
		c.Subscribe(events.KindMessage, func(raw interface{}) {
			event := raw.(*events.MessageEvent)
			pretty, _ := json.Marshal(json.RawMessage(event.Body))
			fmt.Printf("[%d] %s: %s\n", event.Timestamp, event.Source, pretty)
		})
		c.Subscribe(events.KindReceipt, func(raw interface{}) {
			event := raw.(*events.ReceiptEvent)
			fmt.Printf("[%d] receipt from %s\n", event.Timestamp, event.Source)
		})
		c.Subscribe(events.KindQueueEmpty, func(interface{}) {
			fmt.Println("queue empty")
		})
		if err := c.Connect(); err != nil {
			log.Fatalf("socket connect failed: %v", err)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

	default:
		usage()
	}
}
