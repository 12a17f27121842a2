package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coocood/badger"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AMashenkov/ignite-3/config"
	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/index"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/placement"
	"github.com/AMashenkov/ignite-3/replica"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/schema"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("db-path", "", "data directory")
	nodeName   = flag.String("name", "", "node name")
)

func main() {
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		conf, err = config.FromFile(*configPath)
		if err != nil {
			log.Fatal("bad config file", zap.Error(err))
		}
	}
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	if *nodeName != "" {
		conf.NodeName = *nodeName
	}

	logger, props, err := log.InitLogger(&log.Config{Level: conf.LogLevel})
	if err != nil {
		panic(err)
	}
	log.ReplaceGlobals(logger, props)

	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("cannot open storage engine", zap.Error(err))
	}

	group := replication.GroupID{TableID: conf.TableID, PartitionID: conf.PartitionID}
	clock := hlc.NewClock()

	catalog := schema.NewStaticCatalog()
	catalog.AddTable(conf.TableID, clock.Now(), 1)

	driver := placement.NewStaticDriver()
	cluster := replica.NewLocalCluster()
	cluster.AddNode(conf.NodeName)

	volatileTx := txn.NewStateMap()
	locks := lock.NewManager()
	listener := replica.NewListener(replica.Deps{
		Group:          group,
		LocalNode:      conf.NodeName,
		Clock:          clock,
		Storage:        mvcc.NewBadgerStorage(conf.PartitionID, db),
		TxStateStorage: txn.NewBadgerStateStorage(db),
		VolatileTx:     volatileTx,
		TxResolver:     txn.NewStateResolver(volatileTx, cluster, cluster),
		Locks:          locks,
		Codec:          tuple.KeyValueCodec{},
		PKIndex:        index.NewHashStorage(1),
		PKLocker:       index.NewHashLocker(1, locks, tuple.KeyValueCodec{}.PrimaryKey),
		Validator:      schema.NewValidator(catalog),
		SchemaSync:     schema.NopSync{},
		Placement:      driver,
		Topology:       cluster,
		TxManager:      cluster,
		Metrics:        replica.NewMetrics(prometheus.DefaultRegisterer, group),
	})
	cluster.Register(listener)

	// This single node holds the lease for the whole process lifetime; the
	// sync loop below extends it on every tick.
	now := clock.Now()
	driver.SetLease(group, placement.ReplicaMeta{
		Leaseholder:    conf.NodeName,
		StartTime:      now,
		ExpirationTime: hlc.Timestamp{Physical: now.Physical + int64(conf.LeaseDuration/time.Millisecond)},
	})
	listener.OnLeaseEvent(placement.LeaseEvent{
		Kind:        placement.PrimaryElected,
		Group:       group,
		Leaseholder: conf.NodeName,
		StartTime:   now,
	})

	stopSync := make(chan struct{})
	go func() {
		ticker := time.NewTicker(conf.SafeTimeSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopSync:
				return
			case <-ticker.C:
				// Same start time, so the enlistment token stays valid.
				driver.SetLease(group, placement.ReplicaMeta{
					Leaseholder:    conf.NodeName,
					StartTime:      now,
					ExpirationTime: hlc.Timestamp{Physical: clock.Now().Physical + int64(conf.LeaseDuration/time.Millisecond)},
				})
				if _, err := listener.Invoke(context.Background(), &replica.SafeTimeSyncRequest{}); err != nil {
					log.Warn("safe time sync failed", zap.Error(err))
				}
			}
		}
	}()

	if conf.ListenAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(conf.ListenAddr, nil); err != nil {
				log.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	log.Info("partition server started",
		zap.String("node", conf.NodeName),
		zap.String("group", group.String()),
		zap.String("db", conf.DBPath))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stopSync)
	listener.Stop()
	if err := db.Close(); err != nil {
		log.Warn("storage close failed", zap.Error(err))
	}
	log.Info("partition server stopped", zap.String("node", conf.NodeName))
}
