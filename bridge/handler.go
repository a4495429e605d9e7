package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seclave/walletd/approval"
	"github.com/seclave/walletd/keyring"
	"github.com/seclave/walletd/perms"
	"github.com/seclave/walletd/statedb"
	"github.com/seclave/walletd/vault"
)

// signMessagePrefix tags every canonical message so a signed message can
// never be mistaken for a transaction.
const signMessagePrefix = "WALLET"

// Submitter forwards a signed transaction to the chain. Hosts without chain
// access leave it unset, which turns signAndSubmitTransaction into an
// Unsupported error.
type Submitter interface {
	SubmitTransaction(ctx context.Context,
		signedTxn []byte) (json.RawMessage, error)
}

// Deps bundles the wallet subsystems a handler operates on.
type Deps struct {
	Vault     *vault.Vault
	Ledger    *perms.Ledger
	Arbiter   *approval.Arbiter
	Ring      *keyring.Ring
	DB        *statedb.DB
	Submitter Submitter
}

// Handler executes one origin's method calls. A fresh Handler is created per
// inbound request; it carries no state besides the origin identity. Every
// method re-derives authorization from the permission ledger before touching
// any secret.
type Handler struct {
	origin string
	deps   *Deps
}

// NewHandler creates a handler bound to the caller's origin.
func NewHandler(origin string, deps *Deps) *Handler {
	return &Handler{origin: origin, deps: deps}
}

// Handle dispatches the named method. Unknown methods fail with Unsupported.
func (h *Handler) Handle(ctx context.Context, method string,
	args []json.RawMessage) (interface{}, error) {

	switch method {
	case "connect":
		return h.connect(ctx)
	case "disconnect":
		return h.disconnect(ctx)
	case "isConnected":
		return h.isConnected(ctx)
	case "getAccount":
		return h.getAccount(ctx)
	case "getNetwork":
		return h.getNetwork(ctx)
	case "signTransaction":
		return h.signTransaction(
			ctx, approval.CapSignTransaction, args,
		)
	case "signMultiAgentTransaction":
		return h.signTransaction(
			ctx, approval.CapSignMultiAgent, args,
		)
	case "signAndSubmitTransaction":
		return h.signAndSubmitTransaction(ctx, args)
	case "signMessage":
		return h.signMessage(ctx, args)
	default:
		log.Debugf("Origin %v called unknown method %q", h.origin,
			method)
		return nil, ErrUnsupported
	}
}

// activeAccount returns the active account, mapping the no-wallet conditions
// to the NoAccounts wire error.
func (h *Handler) activeAccount() (vault.Account, error) {
	account, err := h.deps.Vault.ActiveAccount()
	if err != nil {
		return nil, mapError(err)
	}
	return account, nil
}

// isAllowed reports whether the origin holds a grant for the active account.
func (h *Handler) isAllowed(account vault.Account) (bool, error) {
	return h.deps.Ledger.IsAllowed(account.AccountAddress(), h.origin)
}

// authorize gates a capability. A cached grant bypasses the decision surface
// for everything except connect; otherwise the request goes to the human
// arbiter. The account returned is the active account at resolution time.
func (h *Handler) authorize(ctx context.Context, capability approval.Capability,
	payload interface{}) (vault.Account, error) {

	account, err := h.activeAccount()
	if err != nil {
		return nil, err
	}

	allowed, err := h.isAllowed(account)
	if err != nil {
		return nil, err
	}
	if allowed && capability != approval.CapConnect {
		return account, nil
	}

	var encodedPayload json.RawMessage
	if payload != nil {
		encodedPayload, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	decision, err := h.deps.Arbiter.Submit(ctx, &approval.Request{
		Origin:     h.origin,
		Capability: capability,
		Payload:    encodedPayload,
	})
	if err != nil {
		return nil, mapError(err)
	}

	switch decision.Outcome {
	case approval.OutcomeApproved:

	case approval.OutcomeTimeout:
		return nil, ErrTimeout

	default:
		return nil, ErrUserRejection
	}

	// The active account may have changed while the prompt was up; the
	// account at resolution time is authoritative.
	account, err = h.activeAccount()
	if err != nil {
		return nil, err
	}

	// A connect approval is the only path that grows the ledger.
	if capability == approval.CapConnect {
		err := h.deps.Ledger.Add(account.AccountAddress(), h.origin)
		if err != nil {
			return nil, mapError(err)
		}
	}

	return account, nil
}

// connect grants the origin access to the active account, prompting the
// user unless an equivalent grant already exists, and returns the account's
// public identity.
func (h *Handler) connect(ctx context.Context) (interface{}, error) {
	account, err := h.activeAccount()
	if err != nil {
		return nil, err
	}

	// An existing grant makes connect idempotent without a prompt.
	allowed, err := h.isAllowed(account)
	if err != nil {
		return nil, err
	}
	if allowed {
		return vault.InfoOf(account), nil
	}

	account, err = h.authorize(ctx, approval.CapConnect, nil)
	if err != nil {
		return nil, err
	}

	return vault.InfoOf(account), nil
}

// disconnect revokes the origin's grant for the active account. Revoking a
// grant that does not exist is a no-op.
func (h *Handler) disconnect(_ context.Context) (interface{}, error) {
	account, err := h.activeAccount()
	if err != nil {
		return nil, err
	}

	err = h.deps.Ledger.Remove(account.AccountAddress(), h.origin)
	if err != nil {
		return nil, mapError(err)
	}
	return nil, nil
}

// isConnected reports whether the origin holds a grant for the active
// account. It never prompts and never errors on a missing wallet.
func (h *Handler) isConnected(_ context.Context) (interface{}, error) {
	account, err := h.deps.Vault.ActiveAccount()
	if err != nil {
		return false, nil
	}

	allowed, err := h.isAllowed(account)
	if err != nil {
		return nil, mapError(err)
	}
	return allowed, nil
}

// getAccount returns the active account's public identity. It requires an
// existing grant; an unconnected origin gets Unauthorized, never a prompt.
func (h *Handler) getAccount(_ context.Context) (interface{}, error) {
	account, err := h.activeAccount()
	if err != nil {
		return nil, err
	}

	allowed, err := h.isAllowed(account)
	if err != nil {
		return nil, mapError(err)
	}
	if !allowed {
		return nil, ErrUnauthorized
	}

	return vault.InfoOf(account), nil
}

// NetworkInfo is the active network as exposed to connected origins.
type NetworkInfo struct {
	Name    string `json:"name"`
	ChainID string `json:"chainId"`
	URL     string `json:"url"`
}

// getNetwork returns the active network. Like getAccount it requires an
// existing grant.
func (h *Handler) getNetwork(_ context.Context) (interface{}, error) {
	account, err := h.activeAccount()
	if err != nil {
		return nil, err
	}

	allowed, err := h.isAllowed(account)
	if err != nil {
		return nil, mapError(err)
	}
	if !allowed {
		return nil, ErrUnauthorized
	}

	snapshot, err := h.deps.DB.Snapshot()
	if err != nil {
		return nil, mapError(err)
	}

	return &NetworkInfo{
		Name:    string(snapshot.Get(statedb.KeyNetworkName)),
		ChainID: string(snapshot.Get(statedb.KeyChainID)),
		URL:     string(snapshot.Get(statedb.KeyNetworkURL)),
	}, nil
}

// SignedTransaction is the result of the transaction signing methods.
type SignedTransaction struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

func (h *Handler) signTransaction(ctx context.Context,
	capability approval.Capability, args []json.RawMessage) (interface{},
	error) {

	rawTxn, err := decodeHexArg(args, 0)
	if err != nil {
		return nil, ErrUnsupported
	}

	account, err := h.authorize(
		ctx, capability, json.RawMessage(args[0]),
	)
	if err != nil {
		return nil, err
	}

	signer, err := h.deps.Ring.SignerFor(account)
	if err != nil {
		return nil, mapError(err)
	}
	sig, err := signer.SignMessage(rawTxn)
	if err != nil {
		return nil, mapError(err)
	}

	return &SignedTransaction{
		Signature: hex.EncodeToString(sig),
		PublicKey: signer.PubKey(),
	}, nil
}

func (h *Handler) signAndSubmitTransaction(ctx context.Context,
	args []json.RawMessage) (interface{}, error) {

	if h.deps.Submitter == nil {
		return nil, ErrUnsupported
	}

	rawTxn, err := decodeHexArg(args, 0)
	if err != nil {
		return nil, ErrUnsupported
	}

	account, err := h.authorize(
		ctx, approval.CapSignAndSubmit, json.RawMessage(args[0]),
	)
	if err != nil {
		return nil, err
	}

	signer, err := h.deps.Ring.SignerFor(account)
	if err != nil {
		return nil, mapError(err)
	}
	sig, err := signer.SignMessage(rawTxn)
	if err != nil {
		return nil, mapError(err)
	}

	result, err := h.deps.Submitter.SubmitTransaction(ctx, sig)
	if err != nil {
		return nil, mapError(err)
	}
	return result, nil
}

// SignMessageParams are the caller-supplied inputs of signMessage. The
// boolean flags opt the corresponding line into the canonical message.
type SignMessageParams struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`

	Address     bool `json:"address,omitempty"`
	Application bool `json:"application,omitempty"`
	ChainID     bool `json:"chainId,omitempty"`
}

// SignMessageResult echoes the canonical message alongside the signature so
// verifiers can reconstruct exactly what was signed.
type SignMessageResult struct {
	Prefix      string `json:"prefix"`
	FullMessage string `json:"fullMessage"`
	Message     string `json:"message"`
	Nonce       string `json:"nonce"`
	Address     string `json:"address,omitempty"`
	Application string `json:"application,omitempty"`
	ChainID     string `json:"chainId,omitempty"`
	Signature   string `json:"signature"`
}

// signMessage signs a canonical multi-line message built from the request.
// The raw caller-supplied message is never signed directly.
func (h *Handler) signMessage(ctx context.Context,
	args []json.RawMessage) (interface{}, error) {

	if len(args) < 1 {
		return nil, ErrUnsupported
	}

	var params SignMessageParams
	if err := json.Unmarshal(args[0], &params); err != nil {
		return nil, ErrUnsupported
	}

	account, err := h.authorize(
		ctx, approval.CapSignMessage, &params,
	)
	if err != nil {
		return nil, err
	}

	result := &SignMessageResult{
		Prefix:  signMessagePrefix,
		Message: params.Message,
		Nonce:   params.Nonce,
	}

	lines := []string{signMessagePrefix}
	if params.Address {
		result.Address = account.AccountAddress()
		lines = append(lines, "address: "+result.Address)
	}
	if params.Application {
		result.Application = h.origin
		lines = append(lines, "application: "+result.Application)
	}
	if params.ChainID {
		chainID, err := h.deps.DB.Get(statedb.KeyChainID)
		if err != nil {
			return nil, mapError(err)
		}
		result.ChainID = string(chainID)
		lines = append(lines, "chainId: "+result.ChainID)
	}
	lines = append(lines, "message: "+params.Message)
	lines = append(lines, "nonce: "+params.Nonce)

	result.FullMessage = strings.Join(lines, "\n")

	signer, err := h.deps.Ring.SignerFor(account)
	if err != nil {
		return nil, mapError(err)
	}
	sig, err := signer.SignMessage([]byte(result.FullMessage))
	if err != nil {
		return nil, mapError(err)
	}
	result.Signature = hex.EncodeToString(sig)

	return result, nil
}

// decodeHexArg extracts args[i] as a hex string argument.
func decodeHexArg(args []json.RawMessage, i int) ([]byte, error) {
	if len(args) <= i {
		return nil, fmt.Errorf("missing argument %d", i)
	}

	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty transaction payload")
	}
	return raw, nil
}
