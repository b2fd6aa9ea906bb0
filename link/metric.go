package link

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// ConnectCount indicates the number of successful connects.
	ConnectCount atomic.Uint64
	// ConnectErrCount indicates the number of failed connect attempts.
	ConnectErrCount atomic.Uint64
	// DisconnectCount indicates the number of transport closes, graceful or not.
	DisconnectCount atomic.Uint64

	// MsgSendCount indicates the number of payloads written to the transport.
	MsgSendCount atomic.Uint64
	// MsgSendErrCount indicates the number of failed writes.
	MsgSendErrCount atomic.Uint64
	// MsgRecvCount indicates the number of payloads received.
	MsgRecvCount atomic.Uint64
	// UnsolicitedMsgCount indicates the number of received payloads discarded because no request was waiting.
	UnsolicitedMsgCount atomic.Uint64

	// RequestCount indicates the number of admitted request cycles.
	RequestCount atomic.Uint64
	// RequestErrCount indicates the number of request cycles failed by send errors or disconnects.
	RequestErrCount atomic.Uint64
	// RequestTimeoutCount indicates the number of request cycles failed by the response timeout.
	RequestTimeoutCount atomic.Uint64
	// RequestInflightGauge indicates the number of request cycles submitted but not finished.
	RequestInflightGauge atomic.Int64
}

func (m *ConnectionMetrics) incConnectCount()        { m.ConnectCount.Add(1) }
func (m *ConnectionMetrics) incConnectErrCount()     { m.ConnectErrCount.Add(1) }
func (m *ConnectionMetrics) incDisconnectCount()     { m.DisconnectCount.Add(1) }
func (m *ConnectionMetrics) incMsgSendCount()        { m.MsgSendCount.Add(1) }
func (m *ConnectionMetrics) incMsgSendErrCount()     { m.MsgSendErrCount.Add(1) }
func (m *ConnectionMetrics) incMsgRecvCount()        { m.MsgRecvCount.Add(1) }
func (m *ConnectionMetrics) incUnsolicitedMsgCount() { m.UnsolicitedMsgCount.Add(1) }
func (m *ConnectionMetrics) incRequestCount()        { m.RequestCount.Add(1) }
func (m *ConnectionMetrics) incRequestErrCount()     { m.RequestErrCount.Add(1) }
func (m *ConnectionMetrics) incRequestTimeoutCount() { m.RequestTimeoutCount.Add(1) }
func (m *ConnectionMetrics) incRequestInflight()     { m.RequestInflightGauge.Add(1) }
func (m *ConnectionMetrics) decRequestInflight()     { m.RequestInflightGauge.Add(-1) }
