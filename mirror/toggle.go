package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"remotectl/transport"
	"remotectl/verb"
	"remotectl/world"
)

// MarkerToggle shows or hides the remote frame counter by spawning a marker entity that the host
// reacts to.
type MarkerToggle struct {
	ShowMarker string
	HideMarker string

	ctx       context.Context
	caller    Caller
	connector *Connector
	visible   bool
	running   *transport.Task
	logger    *slog.Logger
}

func NewMarkerToggle(ctx context.Context, caller Caller, connector *Connector, logger *slog.Logger) *MarkerToggle {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkerToggle{
		ShowMarker: world.FpsCounterPath,
		HideMarker: world.HideFpsCounterPath,
		ctx:        ctx,
		caller:     caller,
		connector:  connector,
		logger:     logger,
	}
}

// Visible reports the state most recently requested.
func (m *MarkerToggle) Visible() bool { return m.visible }

// Tick flips the counter on a press while connected. Presses are ignored while the previous
// toggle is in flight.
func (m *MarkerToggle) Tick(pressed bool) {
	if m.running != nil {
		result, done := m.running.Poll()
		if !done {
			return
		}
		m.running = nil
		if err := resultError(result); err != nil {
			m.logger.Warn("toggling frame counter failed", "error", err)
		}
	}
	if !pressed || m.connector.State() != Connected {
		return
	}

	marker := m.HideMarker
	if !m.visible {
		marker = m.ShowMarker
	}
	params := verb.SpawnParams{Components: map[string]json.RawMessage{marker: json.RawMessage("null")}}
	task, err := m.caller.Go(m.ctx, verb.Spawn, params, nil)
	if err != nil {
		m.logger.Error("cannot start frame counter toggle", "error", err)
		return
	}
	m.visible = !m.visible
	m.running = task
}
