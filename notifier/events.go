package notifier

// Event is a state-change notification pushed to subscribed origins without
// a prior request.
type Event interface {
	// EventName returns the wire-level event name.
	EventName() string
}

// AccountChangeEvent signals that the active account switched to a new
// address. It is only delivered to origins holding a grant for the new
// address, and never when the wallet transitions to having no account.
type AccountChangeEvent struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

// EventName returns the wire-level event name.
func (e *AccountChangeEvent) EventName() string { return "accountChange" }

// NetworkChangeEvent signals that the active network switched.
type NetworkChangeEvent struct {
	Name    string `json:"name"`
	ChainID string `json:"chainId"`
	URL     string `json:"url"`
}

// EventName returns the wire-level event name.
func (e *NetworkChangeEvent) EventName() string { return "networkChange" }

// DisconnectEvent signals that the origin lost access to the wallet, either
// because its grant was revoked or because the active account moved to an
// address it has no grant for.
type DisconnectEvent struct {
	Address string `json:"address"`
}

// EventName returns the wire-level event name.
func (e *DisconnectEvent) EventName() string { return "disconnect" }
