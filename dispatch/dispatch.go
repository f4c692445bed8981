// Package dispatch routes incoming pickled payloads either through the
// firewall or through the trusted decoder.
//
// Whether a call uses the firewall is decided by three layers: the endpoint
// definition, the call site and the process default. Any layer may turn the
// firewall on; none may turn it off for the others. The firewall guards the
// calling side only: a payload decoded on the side that executes the
// function takes the trusted route whatever the layers say.
package dispatch

import (
	"bytes"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"github.com/kisielk/rffickle"
	"github.com/kisielk/rffickle/config"
)

// Endpoint is a remote function or class definition.
type Endpoint struct {
	Name        string
	UseFirewall bool // requested when the endpoint was looked up
}

// CallOptions are per-call settings.
type CallOptions struct {
	// UseFirewall, if !nil, is the call-site request.
	UseFirewall *bool

	// Remote is set when the payload is decoded on the side that executes
	// the function rather than on the side that called it.
	Remote bool
}

// Resolve reports whether a call must go through the firewall.
func Resolve(def Endpoint, call CallOptions, processDefault bool) bool {
	if call.Remote {
		return false
	}
	return def.UseFirewall || (call.UseFirewall != nil && *call.UseFirewall) || processDefault
}

// routes is what Reload swaps.
type routes struct {
	firewall       *rffickle.Firewall // nil: no policy could be loaded
	trusted        *rffickle.Firewall
	processDefault bool
}

// Deserializer decodes call payloads.
//
// It is safe for concurrent use; Reload takes effect for loads that start
// after it returns.
type Deserializer struct {
	routes  atomic.Pointer[routes]
	log     commonlog.Logger
	metrics *Metrics
}

// New returns a Deserializer configured by cfg.
//
// metrics may be nil. A cfg whose policy cannot be built is an error; use
// Reload to retry.
func New(cfg *config.Config, metrics *Metrics) (*Deserializer, error) {
	d := &Deserializer{
		log:     commonlog.GetLogger("rffickle.dispatch"),
		metrics: metrics,
	}
	if err := d.Reload(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload builds a new firewall from cfg and swaps it in.
//
// On error the previous configuration stays in effect.
func (d *Deserializer) Reload(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	fw, err := cfg.NewFirewall(reporter{route: RouteFirewall, d: d})
	if err != nil {
		d.log.Errorf("reload: %v", err)
		return errors.Wrap(err, "dispatch: reload")
	}

	trustedConfig := cfg.Firewall()
	trustedConfig.Reporter = reporter{route: RouteTrusted, d: d}
	d.routes.Store(&routes{
		firewall:       fw,
		trusted:        rffickle.New(rffickle.SymbolicPolicy(), trustedConfig),
		processDefault: cfg.Dispatch.UseFirewall,
	})
	d.log.Infof("reload: %d symbols allowed, firewall by default: %t",
		len(fw.Policy().Symbols()), cfg.Dispatch.UseFirewall)
	return nil
}

// Unload drops the firewall. Firewalled loads then fail with
// DependencyUnavailable until the next successful Reload.
func (d *Deserializer) Unload() {
	for {
		old := d.routes.Load()
		r := &routes{processDefault: true}
		if old != nil {
			r.trusted, r.processDefault = old.trusted, old.processDefault
		}
		if d.routes.CompareAndSwap(old, r) {
			d.log.Warning("firewall unloaded")
			return
		}
	}
}

// ProcessDefault returns the process-wide firewall setting.
func (d *Deserializer) ProcessDefault() bool {
	r := d.routes.Load()
	return r == nil || r.processDefault
}

// Deserialize decodes data through the firewall if useFirewall, and with
// the trusted decoder otherwise.
//
// The trusted decoder executes nothing either: it returns globals and
// calls as inert rffickle.Class and rffickle.Call records. A missing
// firewall never falls back to it.
func (d *Deserializer) Deserialize(data []byte, useFirewall bool) (any, error) {
	r := d.routes.Load()
	if r == nil {
		r = &routes{}
	}
	if useFirewall {
		fw := r.firewall
		if fw == nil {
			// Load of a policy-less firewall is DependencyUnavailable
			fw = rffickle.New(nil, &rffickle.Config{Reporter: reporter{route: RouteFirewall, d: d}})
		}
		return fw.Load(data)
	}
	if r.trusted == nil {
		return nil, errors.New("dispatch: trusted decoder is not configured")
	}
	return r.trusted.Load(data)
}

// Invoke decodes the payload of one call to def.
func (d *Deserializer) Invoke(def Endpoint, opts CallOptions, data []byte) (any, error) {
	id := uuid.New()
	useFirewall := Resolve(def, opts, d.ProcessDefault())
	route := RouteTrusted
	if useFirewall {
		route = RouteFirewall
	}
	d.log.Debugf("call %s: %s: %d bytes via %s", id, def.Name, len(data), route)

	v, err := d.Deserialize(data, useFirewall)
	if err != nil {
		d.log.Errorf("call %s: %s: %v", id, def.Name, err)
		return nil, errors.WithMessagef(err, "call %s to %s", id, def.Name)
	}
	return v, nil
}

// Serialize encodes a call result.
//
// Only plain data is accepted: values holding Class, Call or other gated
// constructs cannot be encoded.
func (d *Deserializer) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := rffickle.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
