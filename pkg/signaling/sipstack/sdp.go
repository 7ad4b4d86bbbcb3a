package sipstack

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// Кодеки, которые мы готовы принять в ответе, в порядке предпочтения
var supportedCodecs = []struct {
	pt   uint8
	name string
}{
	{0, "PCMU"},
	{8, "PCMA"},
}

const defaultTelephoneEventPT = 101

// mediaOffer то, что нужно ядру из SDP удаленной стороны
type mediaOffer struct {
	RemoteIP         string
	RemotePort       int
	PayloadTypes     []uint8
	TelephoneEventPT uint8
	DTMF             bool
}

// parseOffer разбирает SDP offer
func parseOffer(body []byte) (*mediaOffer, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("в SDP нет аудио потока")
	}

	offer := &mediaOffer{
		RemoteIP:   remoteAddress(audio, &sd),
		RemotePort: audio.MediaName.Port.Value,
	}
	if offer.RemoteIP == "" {
		return nil, fmt.Errorf("не найден удаленный IP адрес")
	}
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		offer.PayloadTypes = append(offer.PayloadTypes, uint8(pt))
	}
	if pt, err := sd.GetPayloadTypeForCodec(sdp.Codec{Name: "telephone-event"}); err == nil {
		offer.TelephoneEventPT = pt
		offer.DTMF = true
	}
	return offer, nil
}

// remoteAddress адрес медиа: c= потока, затем c= сессии, затем origin
func remoteAddress(media *sdp.MediaDescription, sd *sdp.SessionDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return sd.Origin.UnicastAddress
}

// selectCodec первый поддерживаемый кодек из offer
func (o *mediaOffer) selectCodec() (uint8, string, bool) {
	for _, pt := range o.PayloadTypes {
		for _, c := range supportedCodecs {
			if c.pt == pt {
				return c.pt, c.name, true
			}
		}
	}
	return 0, "", false
}

// buildAnswer строит SDP answer на offer. Без offer отдает наше предложение
// со всеми поддерживаемыми кодеками.
func buildAnswer(localIP string, localPort int, offer *mediaOffer) ([]byte, error) {
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: localPort},
			Protos: []string{"RTP", "AVP"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
	}

	dtmfPT := uint8(defaultTelephoneEventPT)
	withDTMF := true
	if offer != nil {
		pt, name, ok := offer.selectCodec()
		if !ok {
			return nil, fmt.Errorf("нет общего кодека с удаленной стороной")
		}
		media.WithCodec(pt, name, 8000, 0, "")
		dtmfPT, withDTMF = offer.TelephoneEventPT, offer.DTMF
	} else {
		for _, c := range supportedCodecs {
			media.WithCodec(c.pt, c.name, 8000, 0, "")
		}
	}
	if withDTMF {
		media.WithCodec(dtmfPT, "telephone-event", 8000, 0, "0-16")
	}
	media.WithValueAttribute("ptime", "20")
	media.WithPropertyAttribute(sdp.AttrKeySendRecv)

	answer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "switchcore",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}
	return answer.Marshal()
}
