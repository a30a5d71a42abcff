package param

import (
	"go.uber.org/zap"

	"github.com/showcontroller/oscparam/osc"
)

// Notifier pushes values to a set of remote OSC listeners.
type Notifier struct {
	send *osc.Send
	log  *zap.Logger
}

// NewNotifier opens the socket used to reach listeners.
func NewNotifier(log *zap.Logger) (*Notifier, error) {
	if log == nil {
		log = zap.L().Named("param.notifier")
	}
	s, err := osc.NewSend(osc.WithSendLogger(log))
	if err != nil {
		return nil, err
	}
	return &Notifier{send: s, log: log}, nil
}

// AddListener adds a destination for notifications.
func (n *Notifier) AddListener(host string, port int) error {
	if err := n.send.Add(host, port); err != nil {
		return err
	}
	n.log.Info("listener added", zap.String("host", host), zap.Int("port", port))
	return nil
}

// RemoveListener removes a destination.
func (n *Notifier) RemoveListener(host string, port int) {
	n.send.Remove(host, port)
}

// Listeners returns the current destinations.
func (n *Notifier) Listeners() []osc.Endpoint {
	return n.send.Endpoints()
}

// HasListeners reports whether any destination is set.
func (n *Notifier) HasListeners() bool {
	return len(n.send.Endpoints()) > 0
}

// NotifyListeners sends one message to every listener.
func (n *Notifier) NotifyListeners(address string, args ...interface{}) error {
	return n.send.SendMessage(address, args...)
}

// NotifyPacket sends a caller-built packet to every listener.
func (n *Notifier) NotifyPacket(p *osc.Packet) error {
	return n.send.SendPacket(p)
}

func (n *Notifier) notifyEncoded(encode func(*osc.Packet)) {
	if !n.HasListeners() {
		return
	}
	p := osc.NewPacket(osc.MaxPacketSize)
	encode(p)
	if err := n.send.SendPacket(p); err != nil {
		n.log.Warn("notify failed", zap.Error(err))
	}
}

// Close closes the socket.
func (n *Notifier) Close() error {
	return n.send.Close()
}
