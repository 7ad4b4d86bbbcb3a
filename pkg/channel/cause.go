package channel

import (
	"fmt"
	"strconv"
	"strings"
)

// HangupCause причина завершения вызова (коды Q.850)
type HangupCause int

const (
	CauseNone                     HangupCause = 0
	CauseUnallocatedNumber        HangupCause = 1
	CauseNoRouteTransitNet        HangupCause = 2
	CauseNoRouteDestination       HangupCause = 3
	CauseNormalClearing           HangupCause = 16
	CauseUserBusy                 HangupCause = 17
	CauseNoUserResponse           HangupCause = 18
	CauseNoAnswer                 HangupCause = 19
	CauseSubscriberAbsent         HangupCause = 20
	CauseCallRejected             HangupCause = 21
	CauseNumberChanged            HangupCause = 22
	CauseDestinationOutOfOrder    HangupCause = 27
	CauseInvalidNumberFormat      HangupCause = 28
	CauseNormalUnspecified        HangupCause = 31
	CauseNormalCircuitCongestion  HangupCause = 34
	CauseNetworkOutOfOrder        HangupCause = 38
	CauseNormalTemporaryFailure   HangupCause = 41
	CauseSwitchCongestion         HangupCause = 42
	CauseRequestedChanUnavail     HangupCause = 44
	CauseBearerCapabilityNotAvail HangupCause = 58
	CauseServiceUnavailable       HangupCause = 63
	CauseIncompatibleDestination  HangupCause = 88
	CauseInvalidMsgUnspecified    HangupCause = 95
	CauseMandatoryIEMissing       HangupCause = 96
	CauseRecoveryOnTimerExpire    HangupCause = 102
	CauseProtocolError            HangupCause = 111
	CauseInterworking             HangupCause = 127
	CauseOriginatorCancel         HangupCause = 487
	CauseCrash                    HangupCause = 500
	CauseSystemShutdown           HangupCause = 501
	CauseLoseRace                 HangupCause = 502
	CauseManagerRequest           HangupCause = 503
)

var causeNames = map[HangupCause]string{
	CauseNone:                     "NONE",
	CauseUnallocatedNumber:        "UNALLOCATED_NUMBER",
	CauseNoRouteTransitNet:        "NO_ROUTE_TRANSIT_NET",
	CauseNoRouteDestination:       "NO_ROUTE_DESTINATION",
	CauseNormalClearing:           "NORMAL_CLEARING",
	CauseUserBusy:                 "USER_BUSY",
	CauseNoUserResponse:           "NO_USER_RESPONSE",
	CauseNoAnswer:                 "NO_ANSWER",
	CauseSubscriberAbsent:         "SUBSCRIBER_ABSENT",
	CauseCallRejected:             "CALL_REJECTED",
	CauseNumberChanged:            "NUMBER_CHANGED",
	CauseDestinationOutOfOrder:    "DESTINATION_OUT_OF_ORDER",
	CauseInvalidNumberFormat:      "INVALID_NUMBER_FORMAT",
	CauseNormalUnspecified:        "NORMAL_UNSPECIFIED",
	CauseNormalCircuitCongestion:  "NORMAL_CIRCUIT_CONGESTION",
	CauseNetworkOutOfOrder:        "NETWORK_OUT_OF_ORDER",
	CauseNormalTemporaryFailure:   "NORMAL_TEMPORARY_FAILURE",
	CauseSwitchCongestion:         "SWITCH_CONGESTION",
	CauseRequestedChanUnavail:     "REQUESTED_CHAN_UNAVAIL",
	CauseBearerCapabilityNotAvail: "BEARERCAPABILITY_NOTAVAIL",
	CauseServiceUnavailable:       "SERVICE_UNAVAILABLE",
	CauseIncompatibleDestination:  "INCOMPATIBLE_DESTINATION",
	CauseInvalidMsgUnspecified:    "INVALID_MSG_UNSPECIFIED",
	CauseMandatoryIEMissing:       "MANDATORY_IE_MISSING",
	CauseRecoveryOnTimerExpire:    "RECOVERY_ON_TIMER_EXPIRE",
	CauseProtocolError:            "PROTOCOL_ERROR",
	CauseInterworking:             "INTERWORKING",
	CauseOriginatorCancel:         "ORIGINATOR_CANCEL",
	CauseCrash:                    "CRASH",
	CauseSystemShutdown:           "SYSTEM_SHUTDOWN",
	CauseLoseRace:                 "LOSE_RACE",
	CauseManagerRequest:           "MANAGER_REQUEST",
}

func (c HangupCause) String() string {
	if n, ok := causeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// MarshalText сериализует причину по имени
func (c HangupCause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseHangupCause разбирает имя причины или ее числовой код
func ParseHangupCause(s string) (HangupCause, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if _, ok := causeNames[HangupCause(n)]; ok {
			return HangupCause(n), nil
		}
		return CauseNone, fmt.Errorf("неизвестный код причины: %d", n)
	}
	for c, name := range causeNames {
		if name == s {
			return c, nil
		}
	}
	return CauseNone, fmt.Errorf("неизвестная причина завершения: %q", s)
}
