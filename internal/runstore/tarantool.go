package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tarantool/go-tarantool"
	pool "github.com/tarantool/go-tarantool/connection_pool"

	"boardroom-orchestrator/internal/domain"
)

const (
	runsSpace    = "workflow_runs"
	historySpace = "workflow_run_history"
	historyLimit = 10000
)

// saveScript performs the version check and both writes inside one Tarantool transaction.
const saveScript = `
local id, expected, payload, now = ...
local cur = box.space.workflow_runs:get(id)
local stored = 0
if cur ~= nil then stored = cur[2] end
if stored ~= expected then return {false, stored} end
box.begin()
box.space.workflow_runs:replace({id, expected + 1, payload, now})
box.space.workflow_run_history:insert({id, expected + 1, payload})
box.commit()
return {true, expected + 1}
`

// Tarantool stores run states in the workflow_runs space (primary key decision_id) and every
// saved version in workflow_run_history (primary key decision_id, version).
type Tarantool struct {
	connPool *pool.ConnectionPool
	logger   *slog.Logger
	now      func() time.Time
}

func NewTarantool(addr string, opts tarantool.Opts, logger *slog.Logger) (*Tarantool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connecting to Tarantool", "addr", addr)

	connPool, err := pool.ConnectWithOpts([]string{addr}, opts, pool.OptsPool{
		CheckTimeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for _, space := range []string{runsSpace, historySpace} {
		if _, err := connPool.Call("box.space."+space+":len", []interface{}{}, pool.ANY); err != nil {
			connPool.Close()
			return nil, fmt.Errorf("failed to verify %s space: %w", space, err)
		}
	}

	return &Tarantool{connPool: connPool, logger: logger, now: time.Now}, nil
}

func (t *Tarantool) Load(_ context.Context, decisionID string) (domain.WorkflowState, error) {
	resp, err := t.connPool.Select(runsSpace, "primary", 0, 1, tarantool.IterEq, []interface{}{decisionID}, pool.ANY)
	if err != nil {
		return domain.WorkflowState{}, domain.Persistence("load run", err)
	}
	if len(resp.Data) == 0 {
		return domain.WorkflowState{}, domain.NotFound("load run", "run", decisionID)
	}
	return decodeTuple(resp.Data[0], 2)
}

func (t *Tarantool) Save(_ context.Context, state *domain.WorkflowState) error {
	next := *state
	next.Version = state.Version + 1
	next.UpdatedAt = t.now().UTC()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", state.DecisionID, err)
	}

	resp, err := t.connPool.Eval(saveScript, []interface{}{state.DecisionID, state.Version, string(payload), next.UpdatedAt.Unix()}, pool.RW)
	if err != nil {
		return domain.Persistence("save run", err)
	}
	ok, stored, err := decodeSaveResult(resp.Data)
	if err != nil {
		return domain.Persistence("save run", err)
	}
	if !ok {
		return fmt.Errorf("%w: decision %s stored=%d loaded=%d", ErrVersionConflict, state.DecisionID, stored, state.Version)
	}

	t.logger.Debug("Saved run state", "decision_id", state.DecisionID, "version", stored, "step", state.Step)
	state.Version = stored
	state.UpdatedAt = next.UpdatedAt
	return nil
}

func (t *Tarantool) History(_ context.Context, decisionID string) ([]domain.WorkflowState, error) {
	resp, err := t.connPool.Select(historySpace, "primary", 0, historyLimit, tarantool.IterEq, []interface{}{decisionID}, pool.ANY)
	if err != nil {
		return nil, domain.Persistence("run history", err)
	}
	out := make([]domain.WorkflowState, 0, len(resp.Data))
	for _, tuple := range resp.Data {
		state, err := decodeTuple(tuple, 2)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (t *Tarantool) Close() error {
	t.logger.Info("Closing Tarantool connection pool")
	if errs := t.connPool.Close(); len(errs) > 0 {
		return fmt.Errorf("errors closing Tarantool pool: %v", errs)
	}
	return nil
}

// decodeTuple reads the JSON payload stored at payloadField of a tuple.
func decodeTuple(tuple interface{}, payloadField int) (domain.WorkflowState, error) {
	data, ok := tuple.([]interface{})
	if !ok || len(data) <= payloadField {
		return domain.WorkflowState{}, fmt.Errorf("invalid Tarantool tuple: %v", tuple)
	}
	payload, ok := data[payloadField].(string)
	if !ok {
		return domain.WorkflowState{}, fmt.Errorf("invalid Tarantool payload field: %T", data[payloadField])
	}
	var state domain.WorkflowState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("decode run payload: %w", err)
	}
	return state, nil
}

func decodeSaveResult(data []interface{}) (bool, int64, error) {
	if len(data) == 0 {
		return false, 0, fmt.Errorf("empty save result")
	}
	pair, ok := data[0].([]interface{})
	if !ok || len(pair) != 2 {
		return false, 0, fmt.Errorf("invalid save result: %v", data[0])
	}
	applied, ok := pair[0].(bool)
	if !ok {
		return false, 0, fmt.Errorf("invalid save flag: %T", pair[0])
	}
	version, err := toInt64(pair[1])
	if err != nil {
		return false, 0, err
	}
	return applied, version, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
