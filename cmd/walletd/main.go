package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/seclave/walletd/approval"
	"github.com/seclave/walletd/bridge"
	"github.com/seclave/walletd/build"
	"github.com/seclave/walletd/keyring"
	"github.com/seclave/walletd/notifier"
	"github.com/seclave/walletd/perms"
	"github.com/seclave/walletd/statedb"
	"github.com/seclave/walletd/vault"
)

func main() {
	if err := walletdMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func walletdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, &logManager{})
	if err != nil {
		return err
	}

	db, err := statedb.Open(cfg.dbPath())
	if err != nil {
		return fmt.Errorf("unable to open state database: %v", err)
	}
	defer db.Close()

	if err := seedNetwork(db, cfg); err != nil {
		return err
	}

	v := vault.New(db)
	defer v.Lock()

	stdin := bufio.NewReader(os.Stdin)
	if err := openVault(v, stdin); err != nil {
		return err
	}

	ledger := perms.NewLedger(db)
	ring := keyring.NewRing()

	prompter := newTerminalPrompter(stdin, os.Stdout)
	arbiter := approval.NewArbiter(
		prompter, clock.NewDefaultClock(), cfg.ApprovalTimeout,
	)
	defer arbiter.Stop()

	prompter.setArbiter(arbiter)
	go prompter.run()

	n := notifier.New(ticker.New(cfg.EventInterval))
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	db.OnCommit(n.OnCommit)

	deps := &bridge.Deps{
		Vault:   v,
		Ledger:  ledger,
		Arbiter: arbiter,
		Ring:    ring,
		DB:      db,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", bridgeHandler(deps, n))
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		wltdLog.Infof("Bridge listening on %v", cfg.Listen)
		serveErr <- httpServer.ListenAndServe()
	}()
	defer httpServer.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-interrupt:
		wltdLog.Infof("Received %v, shutting down", sig)
		return nil

	case err := <-serveErr:
		return fmt.Errorf("bridge listener failed: %v", err)
	}
}

// openVault unlocks an existing vault or walks the user through creating a
// fresh one with a single generated account.
func openVault(v *vault.Vault, stdin *bufio.Reader) error {
	initialized, err := v.IsInitialized()
	if err != nil {
		return err
	}

	if initialized {
		password, err := readLine(stdin, "Enter wallet passphrase: ")
		if err != nil {
			return err
		}

		if err := v.Unlock([]byte(password)); err != nil {
			return fmt.Errorf("unable to unlock wallet: %v", err)
		}

		wltdLog.Infof("Wallet unlocked")
		return nil
	}

	fmt.Println("No wallet found, creating a new one.")
	password, err := readLine(stdin, "Choose a wallet passphrase: ")
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("passphrase must not be empty")
	}

	account, err := keyring.NewLocalAccount("Account 1")
	if err != nil {
		return err
	}

	err = v.Init(
		[]byte(password),
		vault.Accounts{account.Address: account},
		account.Address,
	)
	if err != nil {
		return fmt.Errorf("unable to create wallet: %v", err)
	}

	fmt.Printf("\nNew account: %v\n", account.Address)
	fmt.Printf("Recovery phrase (write this down, it is shown only "+
		"once):\n\n    %v\n\n", account.RecoveryPhrase)

	return nil
}

// seedNetwork writes the network identity flags into the state database so
// connected origins observe them. Only keys that actually changed are
// committed.
func seedNetwork(db *statedb.DB, cfg *Config) error {
	snapshot, err := db.Snapshot()
	if err != nil {
		return err
	}

	changes := make(statedb.Changes)
	seed := func(key, value string) {
		if value == "" {
			return
		}
		if string(snapshot.Get(key)) == value {
			return
		}
		changes[key] = []byte(value)
	}

	seed(statedb.KeyNetworkName, cfg.NetworkName)
	seed(statedb.KeyChainID, cfg.ChainID)
	seed(statedb.KeyNetworkURL, cfg.NetworkURL)

	if len(changes) == 0 {
		return nil
	}

	return db.Commit(changes)
}

// bridgeHandler upgrades each inbound connection to a websocket and runs a
// bridge server over it, bound to the origin the browser reported.
// Connections without an origin are rejected since every permission and
// approval decision keys off that identity.
func bridgeHandler(deps *bridge.Deps, n *notifier.Notifier) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		// The origin is our identity input rather than an access
		// filter, so all origins may attempt the upgrade.
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			http.Error(
				w, "missing Origin header",
				http.StatusForbidden,
			)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			wltdLog.Warnf("Websocket upgrade from %v failed: %v",
				r.RemoteAddr, err)
			return
		}

		channel := bridge.NewWSChannel(conn)
		server := bridge.NewServer(channel, origin, deps, n)
		if err := server.Start(); err != nil {
			wltdLog.Errorf("Unable to start bridge server for "+
				"%v: %v", origin, err)
			channel.Close()
			return
		}

		wltdLog.Infof("Origin %v connected from %v", origin,
			r.RemoteAddr)

		go func() {
			<-channel.Closed()
			server.Stop()
			wltdLog.Infof("Origin %v disconnected", origin)
		}()
	}
}

func readLine(r *bufio.Reader, prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(line), nil
}
