package metric

import (
	"time"
)

type nopMetrics struct{}

func NewNop() Metrics {
	return &nopMetrics{}
}
func (m *nopMetrics) IncRequestsTotal(_ string)                                      {}
func (m *nopMetrics) UpdateRequestsDuration(_ string, _ time.Time)                   {}
func (m *nopMetrics) IncResponsesTotal(_ string, _ int)                              {}
func (m *nopMetrics) IncRequestsInFlight()                                           {}
func (m *nopMetrics) DecRequestsInFlight()                                           {}
func (m *nopMetrics) IncFailedRequestsTotal(_ FailReason)                            {}
func (m *nopMetrics) UpdateScriptLatency(_ string, _ ScriptOutcome, _ time.Duration) {}
func (m *nopMetrics) IncScriptsDisabled(_ string)                                    {}
func (m *nopMetrics) SetScriptsLoaded(_ string, _ int)                               {}
func (m *nopMetrics) IncReloadsTotal(_ bool)                                         {}
