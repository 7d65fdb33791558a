package masterrt

import (
	"fmt"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/config"
)

// Status is one Check's outcome, following the teacher's pkg/doctor.Status
// three-state traffic light.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARN"
	case StatusError:
		return "ERROR"
	default:
		return "?"
	}
}

// Check is one diagnostic check's result, grounded on the teacher's
// pkg/doctor.Check.
type Check struct {
	Name    string
	Status  Status
	Message string
	Details []string
}

// Doctor runs the "niffler doctor" checks, a supplemented feature:
// spec.md names bus connectivity and presence as runtime concerns but
// leaves no operator-facing diagnostic surface for them, the way the
// teacher's pkg/doctor surfaces provider/workspace/channel health.
type Doctor struct {
	cfg    *config.Config
	bus    *busclient.Client
	checks []Check
}

func NewDoctor(cfg *config.Config, bus *busclient.Client) *Doctor {
	return &Doctor{cfg: cfg, bus: bus}
}

// Run executes every check in order and returns the results. bus may be
// nil (offline config-only check), matching spec.md §7's "bus unavailable
// is non-fatal for master".
func (d *Doctor) Run() []Check {
	d.checkModels()
	if d.bus != nil {
		d.checkBusConnectivity()
		d.checkAgentPresence()
	} else {
		d.checks = append(d.checks, Check{
			Name: "Bus connectivity", Status: StatusWarning,
			Message: "no bus connection configured; running in local-only mode",
		})
	}
	return d.checks
}

func (d *Doctor) checkModels() {
	check := Check{Name: "Model profiles"}
	if len(d.cfg.Models) == 0 {
		check.Status = StatusError
		check.Message = "no model profiles configured"
		d.checks = append(d.checks, check)
		return
	}
	check.Status = StatusOK
	check.Message = fmt.Sprintf("%d model profile(s) configured", len(d.cfg.Models))
	for _, m := range d.cfg.Models {
		detail := fmt.Sprintf("%s (%s)", m.Nickname, m.Provider)
		if m.APIKey() == "" {
			detail += " - missing API key"
			check.Status = StatusWarning
		}
		check.Details = append(check.Details, detail)
	}
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkBusConnectivity() {
	check := Check{Name: "Bus connectivity"}
	if _, err := d.bus.ListPresent(); err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("bus unreachable: %v", err)
		d.checks = append(d.checks, check)
		return
	}
	check.Status = StatusOK
	check.Message = "connected; presence bucket reachable"
	d.checks = append(d.checks, check)
}

func (d *Doctor) checkAgentPresence() {
	check := Check{Name: "Agent presence"}
	present, err := d.bus.ListPresent()
	if err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("could not list presence: %v", err)
		d.checks = append(d.checks, check)
		return
	}
	if len(present) == 0 {
		check.Status = StatusWarning
		check.Message = "no agents currently present on the bus"
		d.checks = append(d.checks, check)
		return
	}
	check.Status = StatusOK
	check.Message = fmt.Sprintf("%d agent(s) present", len(present))
	check.Details = present

	if d.cfg.Agents.DefaultAgent != "" {
		found := false
		for _, a := range present {
			if a == d.cfg.Agents.DefaultAgent {
				found = true
				break
			}
		}
		if !found {
			check.Status = StatusWarning
			check.Message = fmt.Sprintf("%s; default agent %q is not present", check.Message, d.cfg.Agents.DefaultAgent)
		}
	}
	d.checks = append(d.checks, check)
}

// IsHealthy reports whether every check passed without an error-level
// result.
func (d *Doctor) IsHealthy() bool {
	for _, c := range d.checks {
		if c.Status == StatusError {
			return false
		}
	}
	return true
}
