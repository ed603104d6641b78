// Command clusternode runs one peer of the emergency-record cluster: it
// wires the transport, election, mutex, coordinator, local store, and
// terminal UI together and blocks serving that node's share of the cluster.
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"emergency-cluster/internal/auth"
	"emergency-cluster/internal/clusterdir"
	"emergency-cluster/internal/coordinator"
	"emergency-cluster/internal/election"
	"emergency-cluster/internal/mutex"
	"emergency-cluster/internal/notify"
	"emergency-cluster/internal/store"
	"emergency-cluster/internal/termui"
	"emergency-cluster/internal/transport"
)

func main() {
	configPath := flag.String("config", "cluster.yaml", "path to the cluster configuration file")
	nodeIDOverride := flag.Int("node-id", 0, "override node_id from the config file")
	storePathOverride := flag.String("store", "", "override store_path from the config file")
	dashboardAddr := flag.String("dashboard-addr", "", "optional host:port to serve the websocket dashboard on")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	createUser := flag.String("create-user", "", "provision a login with this username against this node's store, then exit")
	createPassword := flag.String("create-password", "", "password for --create-user")
	createRole := flag.String("create-role", "staff", "role for --create-user: staff or admin")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg, err := clusterdir.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load cluster configuration")
	}
	if *nodeIDOverride != 0 {
		cfg.NodeID = *nodeIDOverride
	}
	if *storePathOverride != "" {
		cfg.StorePath = *storePathOverride
	}
	cfg.Defaults()

	self, err := cfg.Self()
	if err != nil {
		log.WithError(err).Fatal("this node is not present in the cluster directory")
	}
	peers := cfg.Peers()

	entry := log.WithField("node_id", cfg.NodeID)

	st, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		entry.WithError(err).Fatal("failed to open local store")
	}
	defer st.Close()

	if *createUser != "" {
		if *createPassword == "" {
			entry.Fatal("--create-password is required with --create-user")
		}
		u, err := auth.New(st).CreateUser(context.Background(), *createUser, *createPassword, *createRole, 0)
		if err != nil {
			entry.WithError(err).Fatal("failed to create user")
		}
		entry.WithFields(logrus.Fields{"username": u.Username, "role": u.Role}).Info("user created")
		return
	}

	hub := notify.NewHub(entry)
	go hub.Run()
	sink := notify.NewMultiSink(notify.NewLogger(entry), hub)

	t := transport.New(self.TCPAddr(), self.UDPAddr(), entry)

	elect := election.New(cfg.NodeID, peers, cfg, t, sink, entry)
	elect.RegisterHandlers()

	lock := mutex.New(cfg.NodeID, peers, cfg, entry)
	lock.RegisterHandlers(t)

	if err := t.Start(); err != nil {
		entry.WithError(err).Fatal("failed to start transport")
	}
	defer t.Stop()

	elect.Run()

	coord := coordinator.New(elect, lock, st, hub, entry)
	authn := auth.New(st)

	if *dashboardAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeHTTP)
		go func() {
			if err := http.ListenAndServe(*dashboardAddr, mux); err != nil {
				entry.WithError(err).Warn("dashboard server stopped")
			}
		}()
	}

	menu := termui.New(os.Stdin, os.Stdout, elect, coord, authn, st, cfg.NodeID)
	menu.Run(context.Background())
}
