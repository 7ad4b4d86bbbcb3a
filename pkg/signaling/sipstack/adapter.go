// Package sipstack подключает SIP стек (sipgo) к ядру через мост сигнализации.
//
// Каждый входящий INVITE становится каналом. Ответы на INVITE отправляет
// не обработчик запроса, а таблица обработчиков состояний канала:
// ROUTING дает 180, EXECUTE дает 200 OK с SDP, HANGUP дает финальный
// отказ или BYE. Поэтому сценарий вызова целиком ведет ядро.
package sipstack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/signaling"
)

// Имена переменных канала, которые заполняет адаптер
const (
	VarCallID           = "sip_call_id"
	VarRemoteMediaIP    = "remote_media_ip"
	VarRemoteMediaPort  = "remote_media_port"
	VarTelephoneEventPT = "telephone_event_pt"
)

// aliasPrefix ключ канала в реестре по Call-ID
const aliasPrefix = "sip/"

// Config параметры адаптера
type Config struct {
	ListenAddr string
	Transport  string
	UserAgent  string
	// Hostname идет в Contact ответов
	Hostname string

	MediaIP   string
	MediaPort int

	Context  string
	Dialplan string

	ByeTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ListenAddr: "0.0.0.0:5060",
		Transport:  "udp",
		UserAgent:  "switchcore",
		Hostname:   "127.0.0.1",
		MediaIP:    "127.0.0.1",
		MediaPort:  4000,
		Context:    "default",
		Dialplan:   "XML",
		ByeTimeout: 5 * time.Second,
	}
}

// Responder отвечает в серверной транзакции. sip.ServerTransaction его реализует.
type Responder interface {
	Respond(res *sip.Response) error
}

// RequestFunc отправляет запрос вне транзакции INVITE (BYE)
type RequestFunc func(ctx context.Context, req *sip.Request) (*sip.Response, error)

// call состояние SIP вызова, привязанное к каналу через Private
type call struct {
	callID   string
	invite   *sip.Request
	tx       Responder
	offer    *mediaOffer
	localTag string

	mu           sync.Mutex
	final        bool
	answered     bool
	remoteHangup bool
	done         chan struct{}
}

// finish отмечает финальный ответ; true если он еще не был отправлен
func (c *call) finish(answered bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final {
		return false
	}
	c.final = true
	c.answered = answered
	close(c.done)
	return true
}

// Adapter связывает sipgo сервер с мостом
type Adapter struct {
	cfg     Config
	factory *signaling.Factory
	bridge  *signaling.Bridge
	send    RequestFunc
	logger  logging.StructuredLogger

	table *channel.StateHandlerTable
	wg    sync.WaitGroup
}

// New создает адаптер. factory должна иметь реестр: вызовы ищутся в нем по Call-ID.
func New(cfg Config, factory *signaling.Factory, bridge *signaling.Bridge, send RequestFunc, logger logging.StructuredLogger) (*Adapter, error) {
	if factory == nil || factory.Registry == nil {
		return nil, fmt.Errorf("sipstack: нужна фабрика каналов с реестром")
	}
	if bridge == nil {
		return nil, fmt.Errorf("sipstack: не задан мост сигнализации")
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cfg.ByeTimeout <= 0 {
		cfg.ByeTimeout = 5 * time.Second
	}

	a := &Adapter{
		cfg:     cfg,
		factory: factory,
		bridge:  bridge,
		send:    send,
		logger:  logger.WithComponent("sipstack"),
	}
	a.table = channel.NewStateHandlerTable("sip").
		On(channel.StateRouting, a.onRouting).
		On(channel.StateExecute, a.onExecute).
		On(channel.StateHangup, a.onHangup)
	return a, nil
}

// Table таблица обработчиков, которую адаптер вешает на свои каналы
func (a *Adapter) Table() *channel.StateHandlerTable {
	return a.table
}

// Attach регистрирует обработчики запросов на сервере
func (a *Adapter) Attach(srv *sipgo.Server) {
	srv.OnInvite(a.HandleInvite)
	srv.OnAck(a.HandleAck)
	srv.OnBye(a.HandleBye)
	srv.OnCancel(a.HandleCancel)
}

// Wait дожидается отправки BYE по всем локально завершенным вызовам
func (a *Adapter) Wait() {
	a.wg.Wait()
}

// HandleInvite обработчик INVITE для sipgo. Держит обработчик до финального
// ответа, чтобы сервер не закрыл транзакцию раньше ядра.
func (a *Adapter) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	c := a.onInvite(req, tx)
	if c == nil {
		return
	}
	select {
	case <-c.done:
	case <-tx.Done():
	}
}

// HandleAck обработчик ACK: подтверждение 200 OK поднимает вызов
func (a *Adapter) HandleAck(req *sip.Request, _ sip.ServerTransaction) {
	ch, c := a.lookup(req)
	if c == nil {
		return
	}
	c.mu.Lock()
	answered := c.answered
	c.mu.Unlock()
	if !answered {
		// ACK на отказ поглощает транзакция
		return
	}
	if err := a.bridge.Deliver(signaling.Event{Kind: signaling.EventUp, Channel: ch, Transport: a.cfg.Transport}); err != nil {
		a.logger.LogError(a.ctx(ch, c.callID), err, "ACK не доставлен")
	}
}

// HandleBye обработчик BYE: удаленное завершение
func (a *Adapter) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	a.onBye(req, tx)
}

// HandleCancel обработчик CANCEL: отмена до ответа
func (a *Adapter) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	a.onCancel(req, tx)
}

func (a *Adapter) onInvite(req *sip.Request, tx Responder) *call {
	callID := req.CallID()
	if callID == nil || req.From() == nil || req.To() == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return nil
	}
	ctx := logging.WithCallID(context.Background(), callID.Value())

	if ch, c := a.lookup(req); c != nil {
		a.onReInvite(ch, c, req, tx)
		return nil
	}

	var offer *mediaOffer
	if body := req.Body(); len(body) > 0 {
		var err error
		if offer, err = parseOffer(body); err != nil {
			a.logger.Warn(ctx, "SDP offer отклонен", logging.Err(err))
			a.respond(tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
			return nil
		}
		if _, _, ok := offer.selectCodec(); !ok {
			a.respond(tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
			return nil
		}
	}

	from, to := req.From(), req.To()
	profile := channel.NewCallerProfile(channel.CallerProfileParams{
		Name:        from.DisplayName,
		Number:      from.Address.User,
		ANI:         from.Address.User,
		Destination: to.Address.User,
		Context:     a.cfg.Context,
		Dialplan:    a.cfg.Dialplan,
		NetworkAddr: req.Source(),
		Source:      "sipstack",
	})

	ch, err := a.factory.NewChannel("sip/"+to.Address.User+"@"+from.Address.Host, profile)
	if err != nil {
		a.logger.LogError(ctx, err, "канал для INVITE не создан")
		a.respond(tx, sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return nil
	}

	c := &call{
		callID:   callID.Value(),
		invite:   req,
		tx:       tx,
		offer:    offer,
		localTag: uuid.NewString()[:8],
		done:     make(chan struct{}),
	}
	if err := a.bind(ch, c); err != nil {
		a.logger.LogError(ctx, err, "канал для INVITE не настроен")
		ch.Hangup(channel.CauseCrash)
		_ = ch.Destroy()
		a.factory.Registry.Remove(ch)
		if c.finish(false) {
			a.respond(tx, sip.NewResponseFromRequest(req, 500, "Internal Server Error", nil))
		}
		return nil
	}

	a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))
	a.logger.Info(a.ctx(ch, c.callID), "входящий вызов",
		logging.String("from", from.Address.User),
		logging.String("to", to.Address.User),
		logging.String("source", req.Source()),
	)

	if err := a.bridge.Deliver(signaling.Event{Kind: signaling.EventStart, Channel: ch, Transport: a.cfg.Transport}); err != nil {
		ch.Hangup(channel.CauseNormalTemporaryFailure)
	}
	return c
}

// bind связывает канал с вызовом: флаги, переменные, таблица, алиас
func (a *Adapter) bind(ch *channel.Channel, c *call) error {
	if err := ch.SetFlag(channel.FlagInbound); err != nil {
		return err
	}
	vars := map[string]string{VarCallID: c.callID}
	if c.offer != nil {
		vars[VarRemoteMediaIP] = c.offer.RemoteIP
		vars[VarRemoteMediaPort] = strconv.Itoa(c.offer.RemotePort)
		if c.offer.DTMF {
			vars[VarTelephoneEventPT] = strconv.Itoa(int(c.offer.TelephoneEventPT))
		}
	}
	for k, v := range vars {
		if err := ch.SetVariable(k, v); err != nil {
			return err
		}
	}
	if err := ch.SetPrivate(c); err != nil {
		return err
	}
	if _, err := ch.AddStateHandler(a.table); err != nil {
		return err
	}
	if !a.factory.Registry.Alias(aliasPrefix+c.callID, ch) {
		return fmt.Errorf("вызов с Call-ID %s уже существует", c.callID)
	}
	return nil
}

// onReInvite INVITE внутри существующего вызова
func (a *Adapter) onReInvite(ch *channel.Channel, c *call, req *sip.Request, tx Responder) {
	c.mu.Lock()
	answered := c.answered
	c.mu.Unlock()
	if !answered || ch.State() >= channel.StateHangup {
		a.respond(tx, sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}
	body, err := buildAnswer(a.cfg.MediaIP, a.cfg.MediaPort, c.offer)
	if err != nil {
		a.respond(tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	a.respond(tx, a.response(c, req, sip.StatusOK, "OK", body))
}

func (a *Adapter) onBye(req *sip.Request, tx Responder) {
	ch, c := a.lookup(req)
	if c == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	c.mu.Lock()
	c.remoteHangup = true
	c.mu.Unlock()

	a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	a.deliverStop(ch, c, channel.CauseNormalClearing)
}

func (a *Adapter) onCancel(req *sip.Request, tx Responder) {
	ch, c := a.lookup(req)
	if c == nil {
		a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
		return
	}
	a.respond(tx, sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	// после финального ответа CANCEL ничего не отменяет
	if !c.finish(false) {
		return
	}
	c.mu.Lock()
	c.remoteHangup = true
	c.mu.Unlock()
	a.respond(c.tx, a.response(c, c.invite, sip.StatusRequestTerminated, "Request Terminated", nil))
	a.deliverStop(ch, c, channel.CauseOriginatorCancel)
}

func (a *Adapter) deliverStop(ch *channel.Channel, c *call, cause channel.HangupCause) {
	err := a.bridge.Deliver(signaling.Event{Kind: signaling.EventStop, Channel: ch, Cause: cause, Transport: a.cfg.Transport})
	if err != nil && !errors.Is(err, channel.ErrStaleReference) {
		a.logger.LogError(a.ctx(ch, c.callID), err, "завершение не доставлено")
	}
}

func (a *Adapter) onRouting(ch *channel.Channel) error {
	c, ok := ch.Private().(*call)
	if !ok {
		return nil
	}
	c.mu.Lock()
	final := c.final
	c.mu.Unlock()
	if final {
		return nil
	}
	return c.tx.Respond(a.response(c, c.invite, 180, "Ringing", nil))
}

func (a *Adapter) onExecute(ch *channel.Channel) error {
	c, ok := ch.Private().(*call)
	if !ok {
		return nil
	}
	body, err := buildAnswer(a.cfg.MediaIP, a.cfg.MediaPort, c.offer)
	if err != nil {
		return err
	}
	if !c.finish(true) {
		return nil
	}
	return c.tx.Respond(a.response(c, c.invite, sip.StatusOK, "OK", body))
}

// onHangup отказ на неотвеченный INVITE или BYE на отвеченный вызов,
// если завершили мы
func (a *Adapter) onHangup(ch *channel.Channel) error {
	c, ok := ch.Private().(*call)
	if !ok {
		return nil
	}
	if c.finish(false) {
		code, reason := StatusForCause(ch.Cause())
		return c.tx.Respond(a.response(c, c.invite, code, reason, nil))
	}

	c.mu.Lock()
	needBye := c.answered && !c.remoteHangup
	c.mu.Unlock()
	if needBye && a.send != nil {
		a.sendBye(ch, c)
	}
	return nil
}

// sendBye отправляет BYE в фоне: обработчик состояния не должен блокироваться
func (a *Adapter) sendBye(ch *channel.Channel, c *call) {
	req, err := a.byeRequest(c)
	if err != nil {
		a.logger.LogError(a.ctx(ch, c.callID), err, "BYE не построен")
		return
	}
	ctx := a.ctx(ch, c.callID)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(ctx, a.cfg.ByeTimeout)
		defer cancel()

		res, err := a.send(sendCtx, req)
		if err != nil {
			a.logger.LogError(ctx, err, "ошибка отправки BYE")
			return
		}
		a.logger.Debug(ctx, "BYE отправлен", logging.Int("status", int(res.StatusCode)))
	}()
}

// byeRequest строит BYE в диалоге, созданном нашим 200 OK
func (a *Adapter) byeRequest(c *call) (*sip.Request, error) {
	if c.invite.From() == nil || c.invite.To() == nil {
		return nil, fmt.Errorf("в INVITE нет From/To")
	}
	inv := c.invite
	target := inv.From().Address
	if h := inv.GetHeader("Contact"); h != nil {
		contact := strings.Trim(strings.TrimSpace(h.Value()), "<>")
		if i := strings.Index(contact, ">"); i >= 0 {
			contact = contact[:i]
		}
		var uri sip.Uri
		if err := sip.ParseUri(contact, &uri); err == nil {
			target = uri
		}
	}

	remote := inv.From()
	toParams := sip.NewParams()
	if tag, ok := remote.Params.Get("tag"); ok {
		toParams = toParams.Add("tag", tag)
	}

	req := sip.NewRequest(sip.BYE, target)
	req.AppendHeader(&sip.FromHeader{
		Address: inv.To().Address,
		Params:  sip.NewParams().Add("tag", c.localTag),
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: remote.DisplayName,
		Address:     remote.Address,
		Params:      toParams,
	})
	callID := sip.CallIDHeader(c.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	req.AppendHeader(sip.NewHeader("Contact", a.contact(inv)))
	req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	return req, nil
}

// response ответ на запрос вызова с нашим To-тегом и Contact
func (a *Adapter) response(c *call, req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if code > sip.StatusTrying {
		res.ReplaceHeader(&sip.ToHeader{
			DisplayName: req.To().DisplayName,
			Address:     req.To().Address,
			Params:      sip.NewParams().Add("tag", c.localTag),
		})
		res.AppendHeader(sip.NewHeader("Contact", a.contact(req)))
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}

func (a *Adapter) contact(req *sip.Request) string {
	return fmt.Sprintf("<sip:%s@%s>", req.To().Address.User, a.cfg.Hostname)
}

func (a *Adapter) respond(tx Responder, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		a.logger.Warn(context.Background(), "ответ не отправлен",
			logging.Int("status", int(res.StatusCode)),
			logging.Err(err),
		)
	}
}

// lookup ищет вызов по Call-ID запроса
func (a *Adapter) lookup(req *sip.Request) (*channel.Channel, *call) {
	callID := req.CallID()
	if callID == nil {
		return nil, nil
	}
	ch, ok := a.factory.Registry.Lookup(aliasPrefix + callID.Value())
	if !ok {
		return nil, nil
	}
	c, ok := ch.Private().(*call)
	if !ok {
		return nil, nil
	}
	return ch, c
}

func (a *Adapter) ctx(ch *channel.Channel, callID string) context.Context {
	return logging.WithCallID(logging.WithChannelUUID(context.Background(), ch.UUID()), callID)
}

// StatusForCause SIP ответ для причины завершения неотвеченного вызова
func StatusForCause(cause channel.HangupCause) (int, string) {
	switch cause {
	case channel.CauseUnallocatedNumber, channel.CauseNoRouteDestination, channel.CauseNoRouteTransitNet:
		return 404, "Not Found"
	case channel.CauseUserBusy:
		return 486, "Busy Here"
	case channel.CauseNoUserResponse, channel.CauseNoAnswer, channel.CauseSubscriberAbsent:
		return 480, "Temporarily Unavailable"
	case channel.CauseCallRejected:
		return 603, "Decline"
	case channel.CauseNumberChanged:
		return 410, "Gone"
	case channel.CauseInvalidNumberFormat:
		return 484, "Address Incomplete"
	case channel.CauseIncompatibleDestination, channel.CauseBearerCapabilityNotAvail:
		return 488, "Not Acceptable Here"
	case channel.CauseOriginatorCancel:
		return 487, "Request Terminated"
	case channel.CauseNormalTemporaryFailure, channel.CauseSwitchCongestion, channel.CauseNormalCircuitCongestion,
		channel.CauseServiceUnavailable, channel.CauseRequestedChanUnavail, channel.CauseSystemShutdown:
		return 503, "Service Unavailable"
	case channel.CauseDestinationOutOfOrder, channel.CauseNetworkOutOfOrder:
		return 502, "Bad Gateway"
	case channel.CauseRecoveryOnTimerExpire:
		return 504, "Server Time-out"
	case channel.CauseProtocolError, channel.CauseInvalidMsgUnspecified, channel.CauseMandatoryIEMissing:
		return 400, "Bad Request"
	case channel.CauseCrash:
		return 500, "Internal Server Error"
	default:
		return 480, "Temporarily Unavailable"
	}
}
