// Package client assembles the library: store, directory and relay clients,
// socket, sender, receiver, events, and account manager, with a single owning
// edge from the client down to the socket. Socket callbacks reach back only
// through narrow function values, never through the client itself.
package client

import (
	"log"

	"github.com/forstalabs/librelay/internal/account"
	"github.com/forstalabs/librelay/internal/atlas"
	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/events"
	"github.com/forstalabs/librelay/internal/payload"
	"github.com/forstalabs/librelay/internal/receiver"
	"github.com/forstalabs/librelay/internal/relay"
	"github.com/forstalabs/librelay/internal/sender"
	"github.com/forstalabs/librelay/internal/socket"
	"github.com/forstalabs/librelay/internal/store"
)

// Client is one account's messaging stack.
type Client struct {
	State    *store.State
	Atlas    *atlas.Client
	Relay    *relay.Client
	Events   *events.Registry
	Sender   *sender.Sender
	Receiver *receiver.Receiver
	Account  *account.Manager

	sock      *socket.Resource
	linkToken events.Token
}

// New wires a client over a storage backend. atlasURL may be empty when the
// store already holds one from a previous run.
func New(atlasURL string, backend store.Backend) *Client {
	state := store.NewState(backend)
	if atlasURL == "" {
		if stored, err := state.GetString("", store.KeyAtlasURL); err == nil {
			atlasURL = stored
		}
	}

	registry := events.NewRegistry()
	atlasClient := atlas.NewClient(atlasURL, state, registry)
	relayClient := relay.NewClient("", "", "")
	if serverURL, err := state.GetString("", store.KeyServerURL); err == nil {
		addr, addrErr := state.OwnAddress()
		password, pwErr := state.GetString("", store.KeyPassword)
		if addrErr == nil && pwErr == nil {
			relayClient.UpdateCredentials(serverURL, addr.String(), password)
		}
	}

	c := &Client{
		State:    state,
		Atlas:    atlasClient,
		Relay:    relayClient,
		Events:   registry,
		Sender:   sender.New(state, relayClient, registry),
		Receiver: receiver.New(state, registry),
		Account:  account.NewManager(state, atlasClient, relayClient),
	}

	// Primary-role linking: answer provisionRequest control payloads from our
	// own new devices as they arrive on the normal inbound path.
	c.linkToken = registry.Subscribe(events.KindMessage, c.maybeLinkDevice)
	return c
}

// Connect opens the messaging socket using the stored credentials.
func (c *Client) Connect() error {
	serverURL, err := c.State.GetString("", store.KeyServerURL)
	if err != nil {
		return errs.Wrap(errs.Configuration, "account not registered", err)
	}
	addr, err := c.State.OwnAddress()
	if err != nil {
		return errs.Wrap(errs.Configuration, "account not registered", err)
	}
	password, err := c.State.GetString("", store.KeyPassword)
	if err != nil {
		return errs.Wrap(errs.Configuration, "account not registered", err)
	}

	c.sock = socket.New(socket.MessagingURL(serverURL, addr.String(), password), c.Events)
	c.sock.SetHandler(c.Receiver.HandleRequest)
	return c.sock.Connect()
}

// Close tears the stack down: socket first, then timers, then the dispatcher.
func (c *Client) Close() {
	if c.sock != nil {
		c.sock.Disconnect()
		c.sock = nil
	}
	c.Atlas.Stop()
	c.Events.Unsubscribe(c.linkToken)
	c.Events.Close()
}

// Subscribe re-exports the observer registry.
func (c *Client) Subscribe(kind events.Kind, fn func(interface{})) events.Token {
	return c.Events.Subscribe(kind, fn)
}

// Unsubscribe re-exports the observer registry.
func (c *Client) Unsubscribe(token events.Token) {
	c.Events.Unsubscribe(token)
}

func (c *Client) maybeLinkDevice(raw interface{}) {
	event, ok := raw.(*events.MessageEvent)
	if !ok || len(event.Body) == 0 {
		return
	}
	p, err := payload.Decode(event.Body)
	if err != nil || p.Data == nil || p.Data.Control != payload.ControlProvisionRequest {
		return
	}

	own, err := c.State.OwnAddress()
	if err != nil || event.Source.UserID != own.UserID {
		return // only our own devices may ask us to hand over the identity key
	}
	handled, err := c.Account.LinkDevice(p.Data.ProvisionRequest)
	if err != nil {
		log.Printf("[CLIENT] device link failed: %v", err)
		return
	}
	if !handled {
		log.Printf("[CLIENT] device link already handled by another device")
	}
}
