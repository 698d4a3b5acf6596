package agent

import (
	"fmt"
	"sync"

	"github.com/bakerstreetlabs/awxflow/config"
	"github.com/bakerstreetlabs/awxflow/dispatch"
	"github.com/bakerstreetlabs/awxflow/flow"
	"github.com/bakerstreetlabs/awxflow/logger"
	"github.com/bakerstreetlabs/awxflow/persistence"
	redisarchive "github.com/bakerstreetlabs/awxflow/persistence/redis"
	"github.com/bakerstreetlabs/awxflow/planner"
	"github.com/bakerstreetlabs/awxflow/registry"
	"github.com/bakerstreetlabs/awxflow/rest"
	"github.com/bakerstreetlabs/awxflow/supervisor"
)

// Agent wires the registry, dispatcher, state machine, supervisor and HTTP
// server together and owns their lifecycle.
type Agent struct {
	Config       config.Config
	registry     *registry.Registry
	dispatcher   dispatch.Dispatcher
	archive      persistence.WorkflowArchive
	machine      *flow.Machine
	supervisor   *supervisor.Supervisor
	httpServer   *rest.Server
	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config:    conf,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		a.setupRegistry,
		a.setupDispatcher,
		a.setupArchive,
		a.setupMachine,
		a.setupSupervisor,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupRegistry() error {
	a.registry = registry.New()
	return nil
}

func (a *Agent) setupDispatcher() error {
	if a.Config.AWX.ApiUrl == "" {
		return fmt.Errorf("awx api url is required")
	}
	if a.Config.AWX.Username == "" || a.Config.AWX.Password == "" {
		return fmt.Errorf("awx credentials are required")
	}
	a.dispatcher = dispatch.NewAWXClient(a.Config.AWX)
	return nil
}

func (a *Agent) setupArchive() error {
	switch a.Config.Archive.Impl {
	case config.ARCHIVE_TYPE_REDIS:
		a.archive = redisarchive.NewWorkflowArchive(redisarchive.Config{
			Addrs:     a.Config.Archive.Redis.Addrs,
			Namespace: a.Config.Archive.Redis.Namespace,
		})
	case config.ARCHIVE_TYPE_NOOP, "":
		a.archive = persistence.NewNoopArchive()
	default:
		return fmt.Errorf("unknown archive impl %s", a.Config.Archive.Impl)
	}
	return nil
}

func (a *Agent) setupMachine() error {
	a.machine = flow.NewMachine(a.Config.Flow, a.registry, a.dispatcher, planner.NewRulePlanner(), &a.wg)
	return nil
}

func (a *Agent) setupSupervisor() error {
	a.supervisor = supervisor.New(a.Config.Supervisor, a.Config.Flow, a.registry, a.dispatcher, a.machine, a.archive, &a.wg)
	return nil
}

func (a *Agent) setupHttpServer() error {
	if a.Config.WebhookToken == "" {
		return fmt.Errorf("webhook token is required")
	}
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.Config.WebhookToken, a.machine, a.registry, a.dispatcher, a.archive)
	return err
}

func (a *Agent) Start() error {
	a.machine.Start()
	a.supervisor.Start()
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
			panic(err)
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down agent")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.supervisor.Stop()
			return nil
		},
		func() error {
			a.machine.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
