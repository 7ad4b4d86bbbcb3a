package rfc4733

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/signaling/sipstack"
)

const maxPacketSize = 1500

// Listener читает RTP с одного UDP сокета и раздает пакеты декодерам
// по адресу отправителя. Декодер появляется, когда канал входит в EXECUTE
// с известным медиа адресом и payload type, и снимается на HANGUP.
type Listener struct {
	out    Deliverer
	logger logging.StructuredLogger

	mu       sync.RWMutex
	decoders map[string]*Decoder

	table *channel.StateHandlerTable
}

// NewListener создает listener
func NewListener(out Deliverer, logger logging.StructuredLogger) *Listener {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	l := &Listener{
		out:      out,
		logger:   logger.WithComponent("rtp-dtmf"),
		decoders: make(map[string]*Decoder),
	}
	l.table = channel.NewStateHandlerTable("rfc4733").
		On(channel.StateExecute, l.attach).
		On(channel.StateHangup, l.detach)
	return l
}

// Table таблица обработчиков, подключающая каналы к listener
func (l *Listener) Table() *channel.StateHandlerTable {
	return l.table
}

// remoteKey адрес медиа удаленной стороны из переменных канала
func remoteKey(ch *channel.Channel) (string, bool) {
	ip, ok := ch.GetVariable(sipstack.VarRemoteMediaIP)
	if !ok {
		return "", false
	}
	port, ok := ch.GetVariable(sipstack.VarRemoteMediaPort)
	if !ok {
		return "", false
	}
	return net.JoinHostPort(ip, port), true
}

func (l *Listener) attach(ch *channel.Channel) error {
	key, ok := remoteKey(ch)
	if !ok {
		return nil
	}
	ptStr, ok := ch.GetVariable(sipstack.VarTelephoneEventPT)
	if !ok {
		return nil
	}
	pt, err := strconv.ParseUint(ptStr, 10, 7)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.decoders[key] = NewDecoder(ch, uint8(pt), l.out, l.logger)
	l.mu.Unlock()
	return nil
}

func (l *Listener) detach(ch *channel.Channel) error {
	key, ok := remoteKey(ch)
	if !ok {
		return nil
	}
	l.mu.Lock()
	if d, found := l.decoders[key]; found && d.ch == ch {
		delete(l.decoders, key)
	}
	l.mu.Unlock()
	return nil
}

// Decoder декодер для адреса отправителя
func (l *Listener) Decoder(addr string) (*Decoder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decoders[addr]
	return d, ok
}

// Len число подключенных каналов
func (l *Listener) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.decoders)
}

// Serve читает пакеты из conn до отмены ctx
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			l.logger.Warn(ctx, "ошибка чтения RTP", logging.Err(err))
			continue
		}
		d, ok := l.Decoder(addr.String())
		if !ok {
			continue
		}
		if _, err := d.Write(buf[:n]); err != nil {
			l.logger.Debug(ctx, "RTP пакет отброшен",
				logging.String("remote", addr.String()),
				logging.Err(err),
			)
		}
	}
}
