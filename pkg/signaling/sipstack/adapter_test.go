package sipstack

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/sched"
	"github.com/arzzra/switchcore/pkg/signaling"
)

const testOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 30000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n"

// recordingTx серверная транзакция, запоминающая ответы
type recordingTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newRecordingTx() *recordingTx {
	return &recordingTx{done: make(chan struct{})}
}

func (m *recordingTx) Respond(res *sip.Response) error {
	m.mu.Lock()
	m.responses = append(m.responses, res)
	m.mu.Unlock()
	return nil
}

func (m *recordingTx) codes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.responses))
	for _, r := range m.responses {
		out = append(out, int(r.StatusCode))
	}
	return out
}

func (m *recordingTx) last() *sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	return m.responses[len(m.responses)-1]
}

func (m *recordingTx) Request() *sip.Request { return nil }
func (m *recordingTx) Ack(req *sip.Request) error { return nil }
func (m *recordingTx) Cancel() error { return nil }
func (m *recordingTx) Close() error { return nil }
func (m *recordingTx) Done() <-chan struct{} { return m.done }
func (m *recordingTx) Terminate() {}
func (m *recordingTx) OnTerminate(f sip.FnTxTerminate) bool { return false }
func (m *recordingTx) OnClose(f sip.FnTxTerminate) bool { return false }
func (m *recordingTx) Acks() <-chan *sip.Request { return nil }
func (m *recordingTx) Err() error { return nil }
func (m *recordingTx) OnCancel(f sip.FnTxCancel) bool { return false }

// byeRecorder подменяет отправку запросов клиентом
type byeRecorder struct {
	mu   sync.Mutex
	sent []*sip.Request
}

func (b *byeRecorder) send(_ context.Context, req *sip.Request) (*sip.Response, error) {
	b.mu.Lock()
	b.sent = append(b.sent, req)
	b.mu.Unlock()
	return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil), nil
}

func (b *byeRecorder) requests() []*sip.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*sip.Request(nil), b.sent...)
}

type fixture struct {
	registry *channel.Registry
	sched    *sched.Scheduler
	adapter  *Adapter
	bye      *byeRecorder
}

func newFixture(t *testing.T, flowCfg signaling.CallFlowConfig) *fixture {
	t.Helper()
	f := &fixture{
		registry: channel.NewRegistry(),
		sched:    sched.New(sched.Config{Capacity: 32}),
		bye:      &byeRecorder{},
	}
	flow := signaling.NewCallFlow(f.sched, flowCfg, nil)
	bridge := signaling.NewBridge(signaling.BridgeConfig{Scheduler: f.sched})
	bridge.Register(flow.Handle)
	factory := &signaling.Factory{
		Registry: f.registry,
		Tables:   []*channel.StateHandlerTable{flow.LifecycleTable()},
	}

	a, err := New(DefaultConfig(), factory, bridge, f.bye.send, nil)
	require.NoError(t, err)
	f.adapter = a
	return f
}

func (f *fixture) ticks(n int) {
	for i := 0; i < n; i++ {
		f.sched.Tick()
	}
}

func (f *fixture) channel(t *testing.T, callID string) *channel.Channel {
	t.Helper()
	ch, ok := f.registry.Lookup(aliasPrefix + callID)
	require.True(t, ok, "вызов %s не найден в реестре", callID)
	return ch
}

func newRequest(method sip.RequestMethod, callID string, body string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "1000", Host: "switch.local"})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", Host: "alice.com", User: "alice"},
		Params:      sip.NewParams().Add("tag", "remote-tag"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", Host: "switch.local", User: "1000"},
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.AppendHeader(sip.NewHeader("Contact", "<sip:alice@10.0.0.5:5070>"))
	if body != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody([]byte(body))
	}
	return req
}

func answerFlow() signaling.CallFlowConfig {
	return signaling.CallFlowConfig{ProgressTicks: 1, AnswerTicks: 2, HangupTicks: 0, ReapTicks: 1}
}

func TestInboundCallAnsweredAndRemoteBye(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()

	c := f.adapter.onInvite(newRequest(sip.INVITE, "call-1", testOffer), tx)
	require.NotNil(t, c)
	assert.Equal(t, []int{100}, tx.codes())

	ch := f.channel(t, "call-1")
	assert.Equal(t, channel.StateInit, ch.State())
	assert.True(t, ch.TestFlag(channel.FlagInbound))
	assert.Equal(t, "alice", ch.CallerProfile().Number())
	assert.Equal(t, "1000", ch.CallerProfile().Destination())

	for key, want := range map[string]string{
		VarCallID:           "call-1",
		VarRemoteMediaIP:    "10.0.0.5",
		VarRemoteMediaPort:  "30000",
		VarTelephoneEventPT: "101",
	} {
		got, ok := ch.GetVariable(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	f.ticks(1)
	assert.Equal(t, channel.StateRouting, ch.State())
	assert.Equal(t, []int{100, 180}, tx.codes())

	f.ticks(2)
	assert.Equal(t, channel.StateExecute, ch.State())
	assert.Equal(t, []int{100, 180, 200}, tx.codes())

	res := tx.last()
	require.NotNil(t, res)
	assert.Contains(t, string(res.Body()), "m=audio 4000 RTP/AVP 0 101")
	assert.Equal(t, "application/sdp", res.GetHeader("Content-Type").Value())
	assert.Contains(t, res.GetHeader("To").Value(), "tag="+c.localTag)

	f.adapter.HandleAck(newRequest(sip.ACK, "call-1", ""), nil)
	assert.Equal(t, channel.StateExecute, ch.State())

	byeTx := newRecordingTx()
	f.adapter.onBye(newRequest(sip.BYE, "call-1", ""), byeTx)
	assert.Equal(t, []int{200}, byeTx.codes())
	assert.Equal(t, channel.StateHangup, ch.State())
	assert.Equal(t, channel.CauseNormalClearing, ch.Cause())

	f.ticks(1)
	assert.True(t, ch.Destroyed())
	_, found := f.registry.Lookup(aliasPrefix + "call-1")
	assert.False(t, found)

	f.adapter.Wait()
	assert.Empty(t, f.bye.requests(), "удаленное завершение не должно порождать BYE")
	assert.Equal(t, []int{100, 180, 200}, tx.codes())
}

func TestLocalHangupSendsBye(t *testing.T) {
	cfg := answerFlow()
	cfg.HangupTicks = 1
	f := newFixture(t, cfg)
	tx := newRecordingTx()

	c := f.adapter.onInvite(newRequest(sip.INVITE, "call-2", testOffer), tx)
	require.NotNil(t, c)
	ch := f.channel(t, "call-2")

	f.ticks(3)
	require.Equal(t, channel.StateExecute, ch.State())

	f.ticks(1)
	assert.Equal(t, channel.StateHangup, ch.State())

	f.adapter.Wait()
	sent := f.bye.requests()
	require.Len(t, sent, 1)
	bye := sent[0]
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "call-2", bye.CallID().Value())
	assert.Equal(t, "alice", bye.Recipient.User)
	assert.Equal(t, 5070, bye.Recipient.Port)

	fromTag, _ := bye.From().Params.Get("tag")
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, c.localTag, fromTag)
	assert.Equal(t, "remote-tag", toTag)

	assert.Equal(t, []int{100, 180, 200}, tx.codes(), "после 200 OK финальных ответов больше нет")
}

func TestCancelBeforeAnswer(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()

	require.NotNil(t, f.adapter.onInvite(newRequest(sip.INVITE, "call-3", testOffer), tx))
	ch := f.channel(t, "call-3")
	f.ticks(1)

	cancelTx := newRecordingTx()
	f.adapter.onCancel(newRequest(sip.CANCEL, "call-3", ""), cancelTx)

	assert.Equal(t, []int{200}, cancelTx.codes())
	assert.Equal(t, []int{100, 180, 487}, tx.codes())
	assert.Equal(t, channel.StateHangup, ch.State())
	assert.Equal(t, channel.CauseOriginatorCancel, ch.Cause())
	assert.Equal(t, []string{signaling.ActionReap}, f.sched.Pending(ch), "после CANCEL остается только уборка канала")

	f.adapter.Wait()
	assert.Empty(t, f.bye.requests())
}

func TestCancelAfterAnswerIgnored(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()

	require.NotNil(t, f.adapter.onInvite(newRequest(sip.INVITE, "call-4", testOffer), tx))
	ch := f.channel(t, "call-4")
	f.ticks(3)
	require.Equal(t, channel.StateExecute, ch.State())

	cancelTx := newRecordingTx()
	f.adapter.onCancel(newRequest(sip.CANCEL, "call-4", ""), cancelTx)
	assert.Equal(t, []int{200}, cancelTx.codes())
	assert.Equal(t, channel.StateExecute, ch.State())
}

func TestLocalRejectMapsCause(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()

	require.NotNil(t, f.adapter.onInvite(newRequest(sip.INVITE, "call-5", ""), tx))
	ch := f.channel(t, "call-5")

	ch.Hangup(channel.CauseUserBusy)
	assert.Equal(t, []int{100, 486}, tx.codes())
	assert.Contains(t, tx.last().GetHeader("To").Value(), "tag=")
}

func TestUnknownCallID(t *testing.T) {
	f := newFixture(t, answerFlow())

	byeTx := newRecordingTx()
	f.adapter.onBye(newRequest(sip.BYE, "nope", ""), byeTx)
	assert.Equal(t, []int{481}, byeTx.codes())

	cancelTx := newRecordingTx()
	f.adapter.onCancel(newRequest(sip.CANCEL, "nope", ""), cancelTx)
	assert.Equal(t, []int{481}, cancelTx.codes())

	assert.NotPanics(t, func() {
		f.adapter.HandleAck(newRequest(sip.ACK, "nope", ""), nil)
	})
}

func TestInviteRejectedOnBadSDP(t *testing.T) {
	f := newFixture(t, answerFlow())

	tx := newRecordingTx()
	assert.Nil(t, f.adapter.onInvite(newRequest(sip.INVITE, "bad-sdp", "not an sdp"), tx))
	assert.Equal(t, []int{488}, tx.codes())

	g729 := strings.Replace(testOffer, "m=audio 30000 RTP/AVP 0 8 101", "m=audio 30000 RTP/AVP 18", 1)
	tx = newRecordingTx()
	assert.Nil(t, f.adapter.onInvite(newRequest(sip.INVITE, "no-codec", g729), tx))
	assert.Equal(t, []int{488}, tx.codes())

	assert.Equal(t, 0, f.registry.Count())
}

func TestReInviteBeforeAnswerPending(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()
	require.NotNil(t, f.adapter.onInvite(newRequest(sip.INVITE, "call-6", testOffer), tx))

	again := newRecordingTx()
	assert.Nil(t, f.adapter.onInvite(newRequest(sip.INVITE, "call-6", testOffer), again))
	assert.Equal(t, []int{491}, again.codes())
	assert.Equal(t, 1, f.registry.Count())
}

func TestHandleInviteReturnsAfterFinalResponse(t *testing.T) {
	f := newFixture(t, answerFlow())
	tx := newRecordingTx()

	returned := make(chan struct{})
	go func() {
		f.adapter.HandleInvite(newRequest(sip.INVITE, "call-7", testOffer), tx)
		close(returned)
	}()

	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(aliasPrefix + "call-7")
		return ok
	}, time.Second, 5*time.Millisecond)

	select {
	case <-returned:
		t.Fatal("обработчик INVITE вернулся до финального ответа")
	case <-time.After(20 * time.Millisecond):
	}

	f.channel(t, "call-7").Hangup(channel.CauseCallRejected)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("обработчик INVITE не вернулся после финального ответа")
	}
	assert.Equal(t, 603, int(tx.last().StatusCode))
}

func TestStatusForCause(t *testing.T) {
	cases := map[channel.HangupCause]int{
		channel.CauseUserBusy:               486,
		channel.CauseNoAnswer:               480,
		channel.CauseCallRejected:           603,
		channel.CauseUnallocatedNumber:      404,
		channel.CauseOriginatorCancel:       487,
		channel.CauseNormalTemporaryFailure: 503,
		channel.CauseNormalClearing:         480,
	}
	for cause, want := range cases {
		code, reason := StatusForCause(cause)
		assert.Equal(t, want, int(code), cause.String())
		assert.NotEmpty(t, reason)
	}
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(DefaultConfig(), &signaling.Factory{}, signaling.NewBridge(signaling.BridgeConfig{}), nil, nil)
	assert.Error(t, err)
}
