// Package rfc4733 прием DTMF из RTP (telephone-event, RFC 4733).
package rfc4733

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/switchcore/pkg/channel"
	"github.com/arzzra/switchcore/pkg/logging"
	"github.com/arzzra/switchcore/pkg/signaling"
)

// ClockRate частота telephone-event
const ClockRate = 8000

// digits события 0-15 в символы DTMF; остальные события (flash и т.п.) не цифры
const digits = "0123456789*#ABCD"

// Deliverer принимает события сигнализации; *signaling.Bridge его реализует
type Deliverer interface {
	Deliver(ev signaling.Event) error
}

// Payload полезная нагрузка telephone-event
type Payload struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// Digit символ DTMF события; false для не-цифровых событий
func (p Payload) Digit() (byte, bool) {
	if int(p.Event) >= len(digits) {
		return 0, false
	}
	return digits[p.Event], true
}

// DecodePayload разбирает 4 байта telephone-event
func DecodePayload(data []byte) (Payload, error) {
	if len(data) < 4 {
		return Payload{}, fmt.Errorf("некорректный размер telephone-event payload: %d", len(data))
	}
	return Payload{
		Event:    data[0],
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// Marshal сериализует payload
func (p Payload) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = p.Event
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// Decoder превращает поток telephone-event пакетов одного канала в EventDTMF.
// Цифра доставляется по первому пакету с битом End; повторы End пакета
// с тем же RTP timestamp отбрасываются.
type Decoder struct {
	ch          *channel.Channel
	payloadType uint8
	out         Deliverer
	logger      logging.StructuredLogger

	mu      sync.Mutex
	lastTS  uint32
	haveTS  bool
	decoded int
}

// NewDecoder создает декодер для канала с согласованным payload type
func NewDecoder(ch *channel.Channel, payloadType uint8, out Deliverer, logger logging.StructuredLogger) *Decoder {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Decoder{
		ch:          ch,
		payloadType: payloadType,
		out:         out,
		logger:      logger.WithComponent("rfc4733"),
	}
}

// PayloadType согласованный payload type
func (d *Decoder) PayloadType() uint8 {
	return d.payloadType
}

// Decoded число доставленных цифр
func (d *Decoder) Decoded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decoded
}

// Write разбирает сырой RTP пакет. true если пакет был telephone-event.
func (d *Decoder) Write(raw []byte) (bool, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return false, fmt.Errorf("ошибка разбора RTP: %w", err)
	}
	return d.ProcessPacket(&pkt)
}

// ProcessPacket обрабатывает RTP пакет
func (d *Decoder) ProcessPacket(pkt *rtp.Packet) (bool, error) {
	if pkt.PayloadType != d.payloadType {
		return false, nil
	}
	p, err := DecodePayload(pkt.Payload)
	if err != nil {
		return true, err
	}
	if !p.End {
		return true, nil
	}
	digit, ok := p.Digit()
	if !ok {
		return true, nil
	}

	d.mu.Lock()
	if d.haveTS && d.lastTS == pkt.Timestamp {
		d.mu.Unlock()
		return true, nil
	}
	d.lastTS, d.haveTS = pkt.Timestamp, true
	d.decoded++
	d.mu.Unlock()

	ctx := logging.WithChannelUUID(context.Background(), d.ch.UUID())
	d.logger.Debug(ctx, "принята цифра DTMF",
		logging.String("digit", string(digit)),
		logging.Duration("duration", time.Duration(p.Duration)*time.Second/ClockRate),
		logging.Int("volume", -int(p.Volume)),
	)
	return true, d.out.Deliver(signaling.Event{
		Kind:      signaling.EventDTMF,
		Channel:   d.ch,
		Transport: "rtp",
		Digits:    string(digit),
	})
}

// MaxDuration наибольшая длительность, которую вмещает 16-битное поле duration
const MaxDuration = time.Duration(0xFFFF) * time.Second / ClockRate

// durationSamples переводит длительность в отсчеты, насыщаясь на 0xFFFF
func durationSamples(d time.Duration) uint16 {
	if d <= 0 {
		return 0
	}
	if d >= MaxDuration {
		return 0xFFFF
	}
	return uint16(d.Seconds() * ClockRate)
}

// Packets строит последовательность пакетов одного нажатия: три пакета
// продолжения и три повтора End с одним timestamp. Длительность больше
// MaxDuration ограничивается ею.
func Packets(payloadType uint8, ssrc uint32, seq uint16, timestamp uint32, digit byte, duration time.Duration) ([]*rtp.Packet, error) {
	event := -1
	for i := 0; i < len(digits); i++ {
		if digits[i] == digit {
			event = i
		}
	}
	if event < 0 {
		return nil, channel.ErrInvalidDTMFDigit(digit)
	}
	samples := durationSamples(duration)

	out := make([]*rtp.Packet, 0, 6)
	for i := 0; i < 6; i++ {
		p := Payload{Event: uint8(event), End: i >= 3, Volume: 10, Duration: samples}
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0,
				PayloadType:    payloadType,
				SequenceNumber: seq + uint16(i),
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: p.Marshal(),
		})
	}
	return out, nil
}
