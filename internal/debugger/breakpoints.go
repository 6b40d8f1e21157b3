package debugger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/ctagard/adbg/internal/errors"
	"github.com/ctagard/adbg/internal/jdwp"
)

// BreakpointState is where a breakpoint is in its lifecycle
type BreakpointState string

const (
	// BreakpointSet: no session to bind to
	BreakpointSet BreakpointState = "set"
	// BreakpointNotLoaded: connected, but no loaded type has code for the line yet
	BreakpointNotLoaded BreakpointState = "notloaded"
	// BreakpointEnabled: bound to a live event request
	BreakpointEnabled BreakpointState = "enabled"
	// BreakpointRemoved is terminal
	BreakpointRemoved BreakpointState = "removed"
)

// BreakpointKey identifies a breakpoint: a fully qualified type and a source line
type BreakpointKey struct {
	Type string `json:"type"`
	Line int    `json:"line"`
}

func (k BreakpointKey) String() string { return fmt.Sprintf("%s:%d", k.Type, k.Line) }

// Breakpoint is a snapshot of a breakpoint's state
type Breakpoint struct {
	BreakpointKey
	State BreakpointState `json:"state"`
	// HitCount, when non-zero, makes the first stop happen on that hit only
	HitCount int `json:"hitCount,omitempty"`
	Hits     int `json:"hits"`
	// Location is the bound code location while enabled
	Location jdwp.Location `json:"-"`
}

type binding struct {
	location    jdwp.Location
	request     jdwp.EventRequestID
	conditional bool
}

type breakpoint struct {
	key      BreakpointKey
	hitCount int
	state    BreakpointState
	binding  *binding
	hits     int
	// spent is set once the hit count condition fired in this session
	spent bool
}

func (bp *breakpoint) snapshot() Breakpoint {
	b := Breakpoint{BreakpointKey: bp.key, State: bp.state, HitCount: bp.hitCount, Hits: bp.hits}
	if bp.binding != nil {
		b.Location = bp.binding.location
	}
	return b
}

// transition moves bp to state and returns the event to emit. Callers hold d.mu.
func (d *Debugger) transition(bp *breakpoint, to BreakpointState) Event {
	from := bp.state
	bp.state = to
	d.log.V(1).Info("breakpoint state", "breakpoint", bp.key.String(), "from", string(from), "to", string(to))
	return BreakpointStateChanged{Breakpoint: bp.snapshot(), Old: from, New: to}
}

// SetBreakpoint adds a breakpoint at line of the named type. Setting an
// existing breakpoint returns it unchanged. hitCount > 0 skips the first
// hitCount-1 hits.
func (d *Debugger) SetBreakpoint(ctx context.Context, typeName string, line, hitCount int) (Breakpoint, error) {
	if typeName == "" || strings.ContainsAny(typeName, "/;[") {
		return Breakpoint{}, apperrors.InvalidParameter("type", typeName, "a fully qualified class name like com.example.MainActivity")
	}
	if line <= 0 {
		return Breakpoint{}, apperrors.InvalidParameter("line", line, "a positive line number")
	}
	if hitCount < 0 {
		return Breakpoint{}, apperrors.InvalidParameter("hitCount", hitCount, "zero or a positive count")
	}
	key := BreakpointKey{Type: typeName, Line: line}

	d.mu.Lock()
	if bp, ok := d.breakpoints[key]; ok {
		snap := bp.snapshot()
		d.mu.Unlock()
		return snap, nil
	}
	bp := &breakpoint{key: key, hitCount: hitCount, state: BreakpointSet}
	d.breakpoints[key] = bp
	d.order = append(d.order, bp)
	evs := []Event{BreakpointStateChanged{Breakpoint: bp.snapshot(), New: BreakpointSet}}
	s := d.sess
	if s != nil {
		evs = append(evs, d.transition(bp, BreakpointNotLoaded))
	}
	d.mu.Unlock()
	d.emit(evs...)

	if s != nil {
		if err := d.ensureFilter(ctx, s, classPattern(typeName)); err != nil {
			d.log.V(1).Info("class prepare filter failed", "type", typeName, "error", err.Error())
		}
		d.resolve(ctx, s, bp)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return bp.snapshot(), nil
}

// RemoveBreakpoints deletes the given breakpoints. Unknown keys are ignored.
// Failing to clear a bound request on the VM is logged, not returned: the
// breakpoint is gone either way and its events are dropped.
func (d *Debugger) RemoveBreakpoints(ctx context.Context, keys ...BreakpointKey) error {
	d.mu.Lock()
	s := d.sess
	var clear []jdwp.EventRequestID
	var evs []Event
	for _, key := range keys {
		bp, ok := d.breakpoints[key]
		if !ok {
			continue
		}
		if bp.binding != nil && s != nil {
			clear = append(clear, bp.binding.request)
		}
		bp.binding = nil
		evs = append(evs, d.transition(bp, BreakpointRemoved))
		delete(d.breakpoints, key)
		d.order = lo.Without(d.order, bp)
	}
	d.mu.Unlock()

	for _, id := range clear {
		d.clearRequest(ctx, s, jdwp.KindBreakpoint, id)
	}
	d.emit(evs...)
	return nil
}

// RemoveAllBreakpoints deletes every breakpoint
func (d *Debugger) RemoveAllBreakpoints(ctx context.Context) error {
	d.mu.Lock()
	keys := lo.Map(d.order, func(bp *breakpoint, _ int) BreakpointKey { return bp.key })
	d.mu.Unlock()
	return d.RemoveBreakpoints(ctx, keys...)
}

// FindBreakpoints returns breakpoints in creation order. An empty typeName
// matches every type and line 0 matches every line.
func (d *Debugger) FindBreakpoints(typeName string, line int) []Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.FilterMap(d.order, func(bp *breakpoint, _ int) (Breakpoint, bool) {
		ok := (typeName == "" || bp.key.Type == typeName) && (line == 0 || bp.key.Line == line)
		return bp.snapshot(), ok
	})
}

// ensureFilter registers a ClassPrepare request for pattern once per session
func (d *Debugger) ensureFilter(ctx context.Context, s *session, pattern string) error {
	d.mu.Lock()
	if _, ok := s.filters[pattern]; ok {
		d.mu.Unlock()
		return nil
	}
	// Reserve the pattern so concurrent callers do not register it twice.
	s.filters[pattern] = 0
	d.mu.Unlock()

	req := jdwp.EventRequest{
		Kind:      jdwp.KindClassPrepare,
		Policy:    jdwp.SuspendEventThread,
		Modifiers: []jdwp.Modifier{jdwp.ClassMatchModifier{Pattern: pattern}},
	}
	_, err := d.setRequest(ctx, s, req, d.onClassPrepare, func(id jdwp.EventRequestID) bool {
		s.filters[pattern] = id
		return true
	})
	if err != nil {
		d.mu.Lock()
		delete(s.filters, pattern)
		d.mu.Unlock()
		return fmt.Errorf("class prepare filter %s: %w", pattern, err)
	}
	return nil
}

// onClassPrepare resolves pending breakpoints against a newly loaded type.
// A type already in the loaded set is skipped: overlapping filters and the
// AllClasses seed can both report it.
func (d *Debugger) onClassPrepare(s *session, ev jdwp.Event) bool {
	e, ok := ev.(jdwp.EventClassPrepare)
	if !ok {
		return false
	}
	info := jdwp.ClassInfo{Kind: e.ClassKind, Type: e.ClassType, Signature: e.Signature, Status: e.Status}
	name := signatureToName(e.Signature)

	d.mu.Lock()
	if _, seen := s.loaded[e.Signature]; seen {
		d.mu.Unlock()
		d.log.V(2).Info("class already known", "class", name)
		return false
	}
	s.loaded[e.Signature] = info
	pending := lo.Filter(d.order, func(bp *breakpoint, _ int) bool {
		return bp.state == BreakpointNotLoaded && matchesType(bp.key.Type, name)
	})
	d.mu.Unlock()

	for _, bp := range pending {
		d.bind(s.ctx, s, bp, []jdwp.ClassInfo{info})
	}
	return false
}

// resolvePending tries every notloaded breakpoint against the loaded set
func (d *Debugger) resolvePending(ctx context.Context, s *session) {
	d.mu.Lock()
	pending := lo.Filter(d.order, func(bp *breakpoint, _ int) bool { return bp.state == BreakpointNotLoaded })
	d.mu.Unlock()
	for _, bp := range pending {
		d.resolve(ctx, s, bp)
	}
}

// resolve binds bp against whichever loaded types it could live in
func (d *Debugger) resolve(ctx context.Context, s *session, bp *breakpoint) {
	d.mu.Lock()
	candidates := lo.Filter(lo.Values(s.loaded), func(c jdwp.ClassInfo, _ int) bool {
		return matchesType(bp.key.Type, signatureToName(c.Signature))
	})
	d.mu.Unlock()
	// Outer type first, then nested types in name order.
	sortClasses(candidates)
	d.bind(ctx, s, bp, candidates)
}

// bind looks for code at bp's line in each candidate type and arms a
// breakpoint request at the first match. No match leaves bp notloaded.
func (d *Debugger) bind(ctx context.Context, s *session, bp *breakpoint, candidates []jdwp.ClassInfo) {
	for _, c := range candidates {
		loc, ok, err := d.findLocation(ctx, s, c, bp.key.Line)
		if err != nil {
			if s.ctx.Err() != nil || ctx.Err() != nil {
				return
			}
			d.log.V(1).Info("line lookup failed", "breakpoint", bp.key.String(), "class", c.Signature, "error", err.Error())
			continue
		}
		if !ok {
			continue
		}
		if err := d.arm(ctx, s, bp, loc, nil); err != nil && !errors.Is(err, ErrBreakpointRemoved) {
			d.log.V(1).Info("arming breakpoint failed", "breakpoint", bp.key.String(), "error", err.Error())
		}
		return
	}
	d.log.V(2).Info("no code for breakpoint line yet", "breakpoint", bp.key.String())
}

// findLocation picks the code location for line: the first method declaring
// the line, at its lowest code index.
func (d *Debugger) findLocation(ctx context.Context, s *session, c jdwp.ClassInfo, line int) (jdwp.Location, bool, error) {
	methods, err := d.methods(ctx, s, c.Type)
	if err != nil {
		return jdwp.Location{}, false, err
	}
	tables := make([]jdwp.LineTable, len(methods))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		g.Go(func() error {
			lt, err := d.lineTable(gctx, s, c.Type, m.ID)
			if err != nil {
				if noLineInfo(err) {
					return nil
				}
				return err
			}
			tables[i] = lt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return jdwp.Location{}, false, err
	}

	for i, lt := range tables {
		best, found := uint64(0), false
		for _, e := range lt.Lines {
			if int(e.Line) == line && (!found || e.CodeIndex < best) {
				best, found = e.CodeIndex, true
			}
		}
		if found {
			kind := c.Kind
			if kind == 0 {
				kind = jdwp.TypeClass
			}
			return jdwp.Location{Type: kind, Class: jdwp.ClassID(c.Type), Method: methods[i].ID, Index: best}, true, nil
		}
	}
	return jdwp.Location{}, false, nil
}

// arm sets a breakpoint request at loc. prev is the binding being replaced
// after a hit count fired; nil when bp is being bound for the first time.
func (d *Debugger) arm(ctx context.Context, s *session, bp *breakpoint, loc jdwp.Location, prev *binding) error {
	d.mu.Lock()
	conditional := bp.hitCount > 0 && !bp.spent
	d.mu.Unlock()

	mods := []jdwp.Modifier{jdwp.LocationOnlyModifier{Location: loc}}
	if conditional {
		mods = append(mods, jdwp.CountModifier{Count: int32(bp.hitCount)})
	}
	req := jdwp.EventRequest{Kind: jdwp.KindBreakpoint, Policy: jdwp.SuspendAll, Modifiers: mods}

	var evs []Event
	_, err := d.setRequest(ctx, s, req, d.onBreakpoint(bp), func(id jdwp.EventRequestID) bool {
		if prev == nil {
			if bp.state != BreakpointNotLoaded {
				return false
			}
			bp.binding = &binding{location: loc, request: id, conditional: conditional}
			evs = append(evs, d.transition(bp, BreakpointEnabled))
			return true
		}
		if bp.state != BreakpointEnabled || bp.binding != prev {
			return false
		}
		bp.binding = &binding{location: loc, request: id, conditional: conditional}
		return true
	})
	if err != nil && prev != nil && !errors.Is(err, ErrBreakpointRemoved) {
		// The replacement failed; the expired request is gone, so the
		// breakpoint is no longer bound.
		d.mu.Lock()
		if bp.state == BreakpointEnabled && bp.binding == prev {
			bp.binding = nil
			evs = append(evs, d.transition(bp, BreakpointNotLoaded))
		}
		d.mu.Unlock()
	}
	d.emit(evs...)
	return err
}

// onBreakpoint reports a hit. A conditional request expires once it fires,
// so it is replaced with an unconditional one before the hit is reported.
func (d *Debugger) onBreakpoint(bp *breakpoint) eventHandler {
	return func(s *session, ev jdwp.Event) bool {
		e, ok := ev.(jdwp.EventBreakpoint)
		if !ok {
			return false
		}
		d.mu.Lock()
		b := bp.binding
		if bp.state != BreakpointEnabled || b == nil || b.request != e.Request {
			d.mu.Unlock()
			return false
		}
		bp.hits++
		s.lastStop = &Stop{Reason: StopBreakpoint, Thread: e.Thread, Location: e.Location, Time: d.clock.Now()}
		if b.conditional {
			bp.spent = true
			delete(s.subs, e.Request)
		}
		d.mu.Unlock()

		if b.conditional {
			if err := d.arm(s.ctx, s, bp, b.location, b); err != nil && !errors.Is(err, ErrBreakpointRemoved) {
				d.log.V(1).Info("re-arming breakpoint failed", "breakpoint", bp.key.String(), "error", err.Error())
			}
		}

		d.mu.Lock()
		snap := bp.snapshot()
		d.mu.Unlock()
		d.log.V(1).Info("breakpoint hit", "breakpoint", bp.key.String(), "thread", e.Thread, "hits", snap.Hits)
		d.emit(BreakpointHit{Breakpoint: snap, Thread: e.Thread, Location: e.Location})
		return true
	}
}

func noLineInfo(err error) bool {
	return jdwp.IsCode(err, jdwp.ErrAbsentInformation) ||
		jdwp.IsCode(err, jdwp.ErrNativeMethod) ||
		jdwp.IsCode(err, jdwp.ErrInvalidMethodID)
}
