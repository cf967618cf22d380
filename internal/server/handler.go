package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/uber-go/tally"

	"github.com/Ryan0v0/flower-profiler/internal/backend"
	"github.com/Ryan0v0/flower-profiler/internal/clientmgr"
	"github.com/Ryan0v0/flower-profiler/internal/common"
	"github.com/Ryan0v0/flower-profiler/internal/events"
	"github.com/Ryan0v0/flower-profiler/internal/strategy"
)

type runEntry struct {
	orchestrator *strategy.ResourceAware
	rounds       int
	cancel       context.CancelFunc
	finished     bool
	exitMessage  string
}

type Handler struct {
	logger   hclog.Logger
	eventBus *events.EventBus
	backend  backend.IExecutionBackend
	clients  clientmgr.IClientManager
	scope    tally.Scope
	defaults strategy.Options

	mutex sync.Mutex
	runs  map[string]*runEntry
}

func NewHandler(logger hclog.Logger, eventBus *events.EventBus, execBackend backend.IExecutionBackend,
	clients clientmgr.IClientManager, scope tally.Scope, defaults strategy.Options) *Handler {
	handler := &Handler{
		logger:   logger,
		eventBus: eventBus,
		backend:  execBackend,
		clients:  clients,
		scope:    scope,
		defaults: defaults,
		runs:     map[string]*runEntry{},
	}

	runFinishedChan := make(chan events.Event, 64)
	eventBus.Subscribe(common.RUN_FINISHED_EVENT_TYPE, runFinishedChan)
	go handler.runFinishedHandler(runFinishedChan)

	return handler
}

func (handler *Handler) StartRun(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := uuid.New().String()

	request := &StartRunRequest{}
	err := fromJSON(request, r.Body)
	if err != nil {
		handler.logger.Error("error starting run", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	options, rounds := handler.optionsFromRequest(runId, request)
	orchestrator, err := strategy.New(handler.backend, handler.clients, handler.eventBus,
		handler.logger, handler.scope, options)
	if err != nil {
		handler.logger.Error("error starting run", "error", err)
		rw.WriteHeader(http.StatusBadRequest)
		toJSON("invalid run configuration", rw)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler.mutex.Lock()
	handler.runs[runId] = &runEntry{orchestrator: orchestrator, rounds: rounds, cancel: cancel}
	handler.mutex.Unlock()

	handler.logger.Info(fmt.Sprintf("Starting run %s with %d rounds and polynomial degree %d",
		runId, rounds, options.PolyDegree))

	go func() {
		if err := orchestrator.Run(ctx, rounds); err != nil {
			handler.logger.Error(fmt.Sprintf("Run %s stopped: %s", runId, err.Error()))
		}
	}()

	rw.WriteHeader(http.StatusOK)
	toJSON(runId, rw)
}

func (handler *Handler) StopRun(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := getURLParameter(r, "runId")

	handler.logger.Info(fmt.Sprintf("Stopping run with ID: %s", runId))

	handler.mutex.Lock()
	entry := handler.runs[runId]
	handler.mutex.Unlock()

	if entry != nil {
		entry.cancel()
		rw.WriteHeader(http.StatusOK)
	} else {
		rw.WriteHeader(http.StatusBadRequest)
		toJSON("no run with the given ID", rw)
	}
}

func (handler *Handler) GetRun(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := getURLParameter(r, "runId")

	handler.mutex.Lock()
	entry := handler.runs[runId]
	handler.mutex.Unlock()

	if entry == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON("no run with the given ID", rw)
		return
	}

	status := RunStatus{
		RunId:        runId,
		Phase:        string(entry.orchestrator.Phase()),
		Round:        entry.orchestrator.Round(),
		Devices:      entry.orchestrator.DeviceCount(),
		LastMakespan: entry.orchestrator.LastMakespan(),
		Finished:     entry.finished,
		ExitMessage:  entry.exitMessage,
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(status, rw)
}

func (handler *Handler) runFinishedHandler(eventChan chan events.Event) {
	for event := range eventChan {
		runFinished, ok := event.Data.(events.RunFinishedEvent)
		if !ok {
			continue
		}
		handler.mutex.Lock()
		if entry, found := handler.runs[runFinished.RunId]; found {
			entry.finished = true
			entry.exitMessage = runFinished.ExitMessage
		}
		handler.mutex.Unlock()
		handler.logger.Info(fmt.Sprintf("Run %s finished: %s", runFinished.RunId, runFinished.ExitMessage))
	}
}

// optionsFromRequest starts from the process defaults and lets the request
// override individual values.
func (handler *Handler) optionsFromRequest(runId string, request *StartRunRequest) (strategy.Options, int) {
	options := handler.defaults
	options.RunId = runId
	if request.PolyDegree > 0 {
		options.PolyDegree = request.PolyDegree
	}
	if request.FractionFit > 0 {
		options.FractionFit = request.FractionFit
	}
	if request.MinFitClients > 0 {
		options.MinFitClients = request.MinFitClients
	}
	if request.MinAvailableClients > 0 {
		options.MinAvailableClients = request.MinAvailableClients
	}
	if request.AcceptFailures != nil {
		options.AcceptFailures = *request.AcceptFailures
	}
	if request.ProbeSteps > 0 {
		options.ProbeSteps = request.ProbeSteps
	}
	if request.DefaultSteps > 0 {
		options.DefaultSteps = request.DefaultSteps
	}
	if request.Profiles != nil {
		options.Profiles = request.Profiles
	}
	if request.Seed != 0 {
		options.Seed = request.Seed
	}
	if request.RoundConfig != nil {
		roundConfig := request.RoundConfig
		options.RoundConfigFn = func(round int) map[string]string {
			return roundConfig
		}
	}

	rounds := request.Rounds
	if rounds <= 0 {
		rounds = common.DEFAULT_NUM_ROUNDS
	}

	return options, rounds
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}
