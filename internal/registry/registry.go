// Package registry maps caller session keys, such as a chat channel id, to their own
// login controllers and owns the single polling task each controller may run.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bfotp/bfotp/internal/login"
	"github.com/bfotp/bfotp/internal/polling"
)

const (
	errMessageSessionNotFound  = "session not found"
	errMessageRegistryClosed   = "registry is closed"
	errMessageEmptySessionKey  = "session key cannot be empty"
	errMessageCreateController = "create controller"
	errMessageCloseController  = "close controller"
	logMessageSessionCreated   = "session created"
	logMessageSessionRemoved   = "session removed"
	logMessagePollingStarted   = "login polling started"
	logMessagePollingStopped   = "login polling stopped"
	logMessagePollingAborted   = "login polling aborted"
	logFieldSessionKey         = "session_key"
	logFieldSessionID          = "session_id"
)

var (
	// ErrSessionNotFound is returned for keys that have no controller.
	ErrSessionNotFound = errors.New(errMessageSessionNotFound)
	// ErrRegistryClosed is returned once Close has been called.
	ErrRegistryClosed  = errors.New(errMessageRegistryClosed)
	errEmptySessionKey = errors.New(errMessageEmptySessionKey)
)

// Factory builds the controller for a new session key.
type Factory func(sessionKey string) (*login.Controller, error)

// Config customizes a Registry.
type Config struct {
	Factory   Factory
	Scheduler *polling.Scheduler
	Logger    *zap.Logger
}

// Registry owns every live controller. Controllers never share state with each other.
type Registry struct {
	factory   Factory
	scheduler *polling.Scheduler
	logger    *zap.Logger

	mutex   sync.Mutex
	entries map[string]*sessionEntry
	closed  bool
}

type sessionEntry struct {
	identifier string
	sessionKey string
	controller *login.Controller

	pollMutex  sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	outcomeMutex sync.Mutex
	lastOutcome  *polling.Outcome
}

// New constructs an empty Registry.
func New(configuration Config) *Registry {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := configuration.Scheduler
	if scheduler == nil {
		scheduler = polling.NewScheduler(polling.Config{Logger: logger})
	}
	return &Registry{
		factory:   configuration.Factory,
		scheduler: scheduler,
		logger:    logger,
		entries:   make(map[string]*sessionEntry),
	}
}

// GetOrCreate returns the controller for sessionKey, creating it on first use.
func (registry *Registry) GetOrCreate(sessionKey string) (*login.Controller, error) {
	normalizedKey := strings.TrimSpace(sessionKey)
	if normalizedKey == "" {
		return nil, errEmptySessionKey
	}

	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.closed {
		return nil, ErrRegistryClosed
	}
	if entry, exists := registry.entries[normalizedKey]; exists {
		return entry.controller, nil
	}

	controller, err := registry.factory(normalizedKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageCreateController, err)
	}
	entry := &sessionEntry{identifier: uuid.NewString(), sessionKey: normalizedKey, controller: controller}
	registry.entries[normalizedKey] = entry
	registry.logger.Info(logMessageSessionCreated, entry.fields()...)
	return controller, nil
}

// Get returns the controller for sessionKey, if any.
func (registry *Registry) Get(sessionKey string) (*login.Controller, bool) {
	entry, err := registry.lookup(sessionKey)
	if err != nil {
		return nil, false
	}
	return entry.controller, true
}

// Keys lists the registered session keys in sorted order.
func (registry *Registry) Keys() []string {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	keys := make([]string, 0, len(registry.entries))
	for sessionKey := range registry.entries {
		keys = append(keys, sessionKey)
	}
	sort.Strings(keys)
	return keys
}

// StartPolling runs the scheduler against the session's controller in the background.
// A poll already running for the session is cancelled first, without its callback.
// onComplete runs on the polling goroutine and must not start or stop polling for the
// same session.
func (registry *Registry) StartPolling(sessionKey string, onComplete polling.CompletionFunc) error {
	entry, err := registry.lookup(sessionKey)
	if err != nil {
		return err
	}

	entry.pollMutex.Lock()
	defer entry.pollMutex.Unlock()
	entry.stopPollingLocked()

	pollContext, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	entry.pollCancel = cancel
	entry.pollDone = done
	entry.outcomeMutex.Lock()
	entry.lastOutcome = nil
	entry.outcomeMutex.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		recordOutcome := func(outcome polling.Outcome, pollErr error) {
			entry.outcomeMutex.Lock()
			entry.lastOutcome = &outcome
			entry.outcomeMutex.Unlock()
			if onComplete != nil {
				onComplete(outcome, pollErr)
			}
		}
		if runErr := registry.scheduler.Run(pollContext, entry.controller, recordOutcome); runErr != nil {
			registry.logger.Debug(logMessagePollingAborted, append(entry.fields(), zap.Error(runErr))...)
		}
	}()
	registry.logger.Info(logMessagePollingStarted, entry.fields()...)
	return nil
}

// StopPolling cancels the session's poll and waits for it to return. It reports whether a
// poll was running.
func (registry *Registry) StopPolling(sessionKey string) (bool, error) {
	entry, err := registry.lookup(sessionKey)
	if err != nil {
		return false, err
	}
	entry.pollMutex.Lock()
	defer entry.pollMutex.Unlock()
	wasRunning := entry.pollingLocked()
	entry.stopPollingLocked()
	if wasRunning {
		registry.logger.Info(logMessagePollingStopped, entry.fields()...)
	}
	return wasRunning, nil
}

// Polling reports whether a poll is running for sessionKey.
func (registry *Registry) Polling(sessionKey string) bool {
	entry, err := registry.lookup(sessionKey)
	if err != nil {
		return false
	}
	entry.pollMutex.Lock()
	defer entry.pollMutex.Unlock()
	return entry.pollingLocked()
}

// LastOutcome returns the outcome of the most recent poll that ran to completion.
func (registry *Registry) LastOutcome(sessionKey string) (polling.Outcome, bool) {
	entry, err := registry.lookup(sessionKey)
	if err != nil {
		return 0, false
	}
	entry.outcomeMutex.Lock()
	defer entry.outcomeMutex.Unlock()
	if entry.lastOutcome == nil {
		return 0, false
	}
	return *entry.lastOutcome, true
}

// Remove unregisters sessionKey, cancels its poll and then closes its controller.
func (registry *Registry) Remove(sessionKey string) error {
	normalizedKey := strings.TrimSpace(sessionKey)
	registry.mutex.Lock()
	entry, exists := registry.entries[normalizedKey]
	if exists {
		delete(registry.entries, normalizedKey)
	}
	registry.mutex.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, normalizedKey)
	}
	return registry.dispose(entry)
}

// Close disposes every session concurrently. Later calls to GetOrCreate fail.
func (registry *Registry) Close() error {
	registry.mutex.Lock()
	registry.closed = true
	entries := make([]*sessionEntry, 0, len(registry.entries))
	for _, entry := range registry.entries {
		entries = append(entries, entry)
	}
	registry.entries = make(map[string]*sessionEntry)
	registry.mutex.Unlock()

	var group errgroup.Group
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			return registry.dispose(entry)
		})
	}
	return group.Wait()
}

func (registry *Registry) dispose(entry *sessionEntry) error {
	entry.pollMutex.Lock()
	entry.stopPollingLocked()
	entry.pollMutex.Unlock()

	if err := entry.controller.Close(); err != nil {
		return fmt.Errorf("%s %s: %w", errMessageCloseController, entry.sessionKey, err)
	}
	registry.logger.Info(logMessageSessionRemoved, entry.fields()...)
	return nil
}

func (registry *Registry) lookup(sessionKey string) (*sessionEntry, error) {
	normalizedKey := strings.TrimSpace(sessionKey)
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	entry, exists := registry.entries[normalizedKey]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, normalizedKey)
	}
	return entry, nil
}

func (entry *sessionEntry) pollingLocked() bool {
	if entry.pollDone == nil {
		return false
	}
	select {
	case <-entry.pollDone:
		return false
	default:
		return true
	}
}

func (entry *sessionEntry) stopPollingLocked() {
	if entry.pollCancel == nil {
		return
	}
	entry.pollCancel()
	<-entry.pollDone
	entry.pollCancel = nil
	entry.pollDone = nil
}

func (entry *sessionEntry) fields() []zap.Field {
	return []zap.Field{zap.String(logFieldSessionKey, entry.sessionKey), zap.String(logFieldSessionID, entry.identifier)}
}
