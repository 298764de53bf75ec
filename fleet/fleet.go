// Package fleet implements C8: the running set of simulated services.
// It owns port allocation, per-service lifecycle serialisation and
// cross-service parallelism, and publishes lifecycle events to C9. It is
// grounded on the teacher's app.go orchestration (a name-keyed map of
// running service records guarded by a mutex, start/stop/reload methods)
// and server/container.go's state-machine bookkeeping (Starting/
// Running/Stopping/Stopped/Failed), adapted here from container
// lifecycle to simulated-service lifecycle.
package fleet

import (
	"context"
	"fmt"
	"net"
	"sync"

	"apisim/eventbus"
	"apisim/models"
	"apisim/pipeline"
	"apisim/router"
	"apisim/servicehost"
	"apisim/statestore"
	"apisim/validator"
)

// DefaultPortRangeLow and DefaultPortRangeHigh bound auto port allocation.
const (
	DefaultPortRangeLow  = 8000
	DefaultPortRangeHigh = 8999
)

// record is the fleet's bookkeeping entry for one loaded service.
type record struct {
	mu       sync.Mutex // serialises lifecycle ops for this one service
	def      *models.ServiceDefinition
	desired  models.DesiredState
	host     *servicehost.Host
	pipeline *pipeline.Pipeline
	state    *statestore.Store
	lastErr  string
}

// Manager is the fleet manager. One Manager owns every simulated service
// in the process.
type Manager struct {
	Events   *eventbus.Bus
	PortLow  int
	PortHigh int

	mu       sync.RWMutex
	services map[string]*record
	usedPort map[int]string
}

// New constructs an empty Manager.
func New(events *eventbus.Bus) *Manager {
	return &Manager{
		Events:   events,
		PortLow:  DefaultPortRangeLow,
		PortHigh: DefaultPortRangeHigh,
		services: map[string]*record{},
		usedPort: map[int]string{},
	}
}

// Load validates def and installs it as Stopped. If a service with the
// same name already exists, Load fails unless replace is true, in which
// case a running service is atomically stopped and replaced.
func (m *Manager) Load(def *models.ServiceDefinition, replace bool) (models.ValidationReport, error) {
	report := validator.Validate(def)
	if !report.OK() {
		return report, nil
	}

	m.mu.Lock()
	existing, ok := m.services[def.Name]
	if ok && !replace {
		m.mu.Unlock()
		return report, &models.NameConflictError{Name: def.Name}
	}
	m.mu.Unlock()

	if ok {
		existing.mu.Lock()
		wasRunning := existing.desired == models.DesiredRunning
		if wasRunning {
			m.stopLocked(existing)
		}
		existing.def = def
		existing.state = statestore.New()
		existing.desired = models.DesiredStopped
		existing.mu.Unlock()
		if wasRunning {
			if err := m.Start(def.Name); err != nil {
				return report, err
			}
		}
		return report, nil
	}

	m.mu.Lock()
	m.services[def.Name] = &record{def: def, desired: models.DesiredStopped, state: statestore.New()}
	m.mu.Unlock()
	return report, nil
}

func (m *Manager) get(name string) (*record, error) {
	m.mu.RLock()
	r, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return nil, &models.ServiceNotFoundError{Name: name}
	}
	return r, nil
}

// Start allocates a port, binds a listener, and spawns the service host.
func (m *Manager) Start(name string) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.startLocked(r)
}

func (m *Manager) startLocked(r *record) error {
	r.desired = models.DesiredRunning

	ln, port, err := m.bindPort(r.def.Server)
	if err != nil {
		r.lastErr = err.Error()
		return err
	}

	scenarioName := r.def.EffectiveDefaultScenario()
	var overlay map[string]any
	for _, s := range r.def.Scenarios {
		if s.Name == scenarioName {
			overlay = s.InitialState
			break
		}
	}
	r.state.Reset(overlay)

	pub := &fleetPublisher{bus: m.Events}
	p := pipeline.New(r.def.Name, r.def.Version, r.def, router.New(r.def), r.state, pub)
	p.SetScenario(scenarioName)

	host := servicehost.New(r.def.Name, p)
	if err := host.Start(ln, r.def); err != nil {
		m.releasePort(port)
		r.lastErr = err.Error()
		return err
	}

	r.host = host
	r.pipeline = p

	m.mu.Lock()
	m.usedPort[port] = r.def.Name
	m.mu.Unlock()

	if m.Events != nil {
		m.Events.PublishEvent(eventbus.Event{Kind: eventbus.KindServiceStarted, ServiceName: r.def.Name})
	}
	return nil
}

func (m *Manager) bindPort(server models.ServerBlock) (net.Listener, int, error) {
	if !server.IsAutoPort() {
		port := parsePort(server.Port)
		m.mu.RLock()
		_, taken := m.usedPort[port]
		m.mu.RUnlock()
		if taken {
			return nil, 0, &models.PortInUseError{Port: port}
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, 0, &models.PortInUseError{Port: port}
		}
		return ln, port, nil
	}

	low, high := m.PortLow, m.PortHigh
	if low == 0 && high == 0 {
		low, high = DefaultPortRangeLow, DefaultPortRangeHigh
	}
	for port := low; port <= high; port++ {
		m.mu.RLock()
		_, taken := m.usedPort[port]
		m.mu.RUnlock()
		if taken {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	return nil, 0, &models.PortAllocationExhaustedError{Low: low, High: high}
}

func (m *Manager) releasePort(port int) {
	m.mu.Lock()
	delete(m.usedPort, port)
	m.mu.Unlock()
}

func parsePort(s string) int {
	var port int
	_, _ = fmt.Sscanf(s, "%d", &port)
	return port
}

// Stop signals the running host to drain and shut down. Idempotent.
func (m *Manager) Stop(name string) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m.stopLocked(r)
	return nil
}

func (m *Manager) stopLocked(r *record) {
	r.desired = models.DesiredStopped
	if r.host == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), servicehost.DefaultGracePeriod)
	defer cancel()
	_ = r.host.Shutdown(ctx)
	m.releasePort(r.host.Port())
	r.host = nil
	r.pipeline = nil

	if m.Events != nil {
		m.Events.PublishEvent(eventbus.Event{Kind: eventbus.KindServiceStopped, ServiceName: r.def.Name})
	}
}

// SetScenario updates the running (or next-started) active scenario.
func (m *Manager) SetScenario(name, scenario string) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	found := scenario == models.DefaultScenario || scenario == r.def.EffectiveDefaultScenario()
	for _, s := range r.def.Scenarios {
		if s.Name == scenario {
			found = true
			break
		}
	}
	if !found {
		return &models.ScenarioNotFoundError{Service: name, Scenario: scenario}
	}

	next := *r.def
	next.DefaultScenario = scenario
	r.def = &next
	if r.pipeline != nil {
		r.pipeline.SetScenario(scenario)
	}
	return nil
}

// Reload validates newDef, then performs an atomic stop+start against it.
func (m *Manager) Reload(name string, newDef *models.ServiceDefinition) (models.ValidationReport, error) {
	report := validator.Validate(newDef)
	if !report.OK() {
		return report, nil
	}

	r, err := m.get(name)
	if err != nil {
		return report, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wasRunning := r.desired == models.DesiredRunning
	if wasRunning {
		m.stopLocked(r)
	}
	r.def = newDef
	r.state = statestore.New()
	if wasRunning {
		if err := m.startLocked(r); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Status returns the ServiceStatus for one service.
func (m *Manager) Status(name string) (models.ServiceStatus, error) {
	r, err := m.get(name)
	if err != nil {
		return models.ServiceStatus{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.statusLocked(r), nil
}

func (m *Manager) statusLocked(r *record) models.ServiceStatus {
	actual := models.ActualStopped
	port := 0
	lastErr := r.lastErr
	if r.host != nil {
		actual, lastErr = r.host.Status()
		port = r.host.Port()
	}
	scenario := r.def.EffectiveDefaultScenario()
	if r.pipeline != nil {
		scenario = r.pipeline.ActiveScenario()
	}
	return models.ServiceStatus{
		Name:           r.def.Name,
		Desired:        r.desired,
		Actual:         actual,
		Port:           port,
		EndpointCount:  len(r.def.Endpoints),
		ActiveScenario: scenario,
		LastError:      lastErr,
	}
}

// List returns the ServiceStatus of every loaded service.
func (m *Manager) List() []models.ServiceStatus {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make([]models.ServiceStatus, 0, len(names))
	for _, name := range names {
		if st, err := m.Status(name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Shutdown stops every service concurrently and waits for all of them.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	records := make([]*record, 0, len(m.services))
	for _, r := range m.services {
		records = append(records, r)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, r := range records {
		wg.Add(1)
		go func(r *record) {
			defer wg.Done()
			r.mu.Lock()
			m.stopLocked(r)
			r.mu.Unlock()
		}(r)
	}
	wg.Wait()
}

type fleetPublisher struct {
	bus *eventbus.Bus
}

func (p *fleetPublisher) Publish(log models.RequestLog) {
	if p.bus != nil {
		p.bus.Publish(log)
	}
}
