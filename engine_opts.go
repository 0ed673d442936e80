package leadflow

import (
	"time"
)

type EngineOption func(engine *Engine)

func WithEngineStore(store Store) EngineOption {
	return func(engine *Engine) {
		engine.store = store
	}
}

func WithEngineTxManager(txManager TxManager) EngineOption {
	return func(engine *Engine) {
		engine.txManager = txManager
	}
}

func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

// WithEngineClock overrides the engine's time source. Tests use it to
// control LastActivityAt.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}
