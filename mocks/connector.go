// Package mocks holds gomock doubles for the connector interfaces. The file is
// maintained by hand in mockgen's layout; keep it in step with connector.Upstream.
package mocks

import (
	context "context"
	reflect "reflect"

	connector "github.com/niports/tracking-relay/pkg/connector"
	protocol "github.com/niports/tracking-relay/pkg/protocol"
	gomock "go.uber.org/mock/gomock"
)

// ConnectorUpstream is a mock of Upstream interface.
type ConnectorUpstream struct {
	ctrl     *gomock.Controller
	recorder *ConnectorUpstreamMockRecorder
}

// ConnectorUpstreamMockRecorder is the mock recorder for ConnectorUpstream.
type ConnectorUpstreamMockRecorder struct {
	mock *ConnectorUpstream
}

// NewConnectorUpstream creates a new mock instance.
func NewConnectorUpstream(ctrl *gomock.Controller) *ConnectorUpstream {
	mock := &ConnectorUpstream{ctrl: ctrl}
	mock.recorder = &ConnectorUpstreamMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *ConnectorUpstream) EXPECT() *ConnectorUpstreamMockRecorder {
	return m.recorder
}

// LastPosition mocks base method.
func (m *ConnectorUpstream) LastPosition(arg0 context.Context, arg1, arg2 string, arg3 []string) ([]protocol.Position, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "LastPosition", arg0, arg1, arg2, arg3)
	ret0, _ := ret[0].([]protocol.Position)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// LastPosition indicates an expected call of LastPosition.
func (mr *ConnectorUpstreamMockRecorder) LastPosition(arg0, arg1, arg2, arg3 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "LastPosition", reflect.TypeOf((*ConnectorUpstream)(nil).LastPosition), arg0, arg1, arg2, arg3)
}

// Login mocks base method.
func (m *ConnectorUpstream) Login(arg0 context.Context, arg1 connector.LoginRequest) (connector.LoginResponse, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Login", arg0, arg1)
	ret0, _ := ret[0].(connector.LoginResponse)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Login indicates an expected call of Login.
func (mr *ConnectorUpstreamMockRecorder) Login(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Login", reflect.TypeOf((*ConnectorUpstream)(nil).Login), arg0, arg1)
}
