package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/server"
	"github.com/pingcap-incubator/tinytxn/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath = flag.String("config", "", "config file path")
	storeAddr  = flag.String("addr", "", "store address")
	dbPath     = flag.String("path", "", "directory path of db")
	logLevel   = flag.String("loglevel", "", "the level of log")
)

func main() {
	flag.Parse()
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		conf, err = config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
	}
	if *storeAddr != "" {
		conf.StoreAddr = *storeAddr
	}
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	if err := conf.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Infof("conf %+v", conf)

	cluster, err := server.NewStandaloneCluster(conf)
	if err != nil {
		log.Fatalf("start cluster: %v", err)
	}

	http.Handle("/metrics", promhttp.Handler())
	listenAddr := conf.StoreAddr[strings.IndexByte(conf.StoreAddr, ':'):]
	go func() {
		if err := http.ListenAndServe(listenAddr, nil); err != nil {
			log.Fatalf("listen on %s: %v", listenAddr, err)
		}
	}()
	log.Infof("serving metrics and pprof on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
	cluster.Stop()
	log.Info("Server stopped.")
}
