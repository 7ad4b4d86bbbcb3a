package channel

import (
	"fmt"
	"strings"

	"github.com/looplab/fsm"
)

// State состояние канала в жизненном цикле вызова.
// Значения упорядочены: сравнение < имеет смысл для проверок вида "уже в HANGUP или дальше".
type State int

const (
	StateNew State = iota
	StateInit
	StateRouting
	StateSoftExecute
	StateExecute
	StateExchangeMedia
	StatePark
	StateConsumeMedia
	StateHibernate
	StateReset
	StateHangup
	StateReporting
	StateDestroyed
)

var stateNames = [...]string{
	StateNew:           "CS_NEW",
	StateInit:          "CS_INIT",
	StateRouting:       "CS_ROUTING",
	StateSoftExecute:   "CS_SOFT_EXECUTE",
	StateExecute:       "CS_EXECUTE",
	StateExchangeMedia: "CS_EXCHANGE_MEDIA",
	StatePark:          "CS_PARK",
	StateConsumeMedia:  "CS_CONSUME_MEDIA",
	StateHibernate:     "CS_HIBERNATE",
	StateReset:         "CS_RESET",
	StateHangup:        "CS_HANGUP",
	StateReporting:     "CS_REPORTING",
	StateDestroyed:     "CS_DESTROYED",
}

// States возвращает все состояния в порядке жизненного цикла
func States() []State {
	out := make([]State, 0, len(stateNames))
	for s := StateNew; s <= StateDestroyed; s++ {
		out = append(out, s)
	}
	return out
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("CS_UNKNOWN(%d)", int(s))
}

// MarshalText сериализует состояние по имени
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState разбирает имя состояния; префикс CS_ и регистр необязательны
func ParseState(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "CS_") {
		n = "CS_" + n
	}
	for i, sn := range stateNames {
		if sn == n {
			return State(i), nil
		}
	}
	return StateNew, fmt.Errorf("неизвестное состояние канала: %q", name)
}

// transitionTable закрытая таблица допустимых переходов.
// Все, чего нет в таблице, запрещено.
var transitionTable = map[State][]State{
	StateNew:           {StateInit, StateHangup},
	StateInit:          {StateRouting, StateHangup},
	StateRouting:       {StateSoftExecute, StateExecute, StatePark, StateHangup},
	StateSoftExecute:   {StateExecute, StatePark, StateHangup},
	StateExecute:       {StateSoftExecute, StateExchangeMedia, StatePark, StateConsumeMedia, StateHibernate, StateHangup},
	StateExchangeMedia: {StateExecute, StatePark, StateReset, StateHangup},
	StatePark:          {StateSoftExecute, StateExecute, StateExchangeMedia, StateHangup},
	StateConsumeMedia:  {StateExecute, StateHangup},
	StateHibernate:     {StateExecute, StatePark, StateReset, StateHangup},
	StateReset:         {StateExecute, StatePark, StateHangup},
	StateHangup:        {StateReporting, StateDestroyed},
	StateReporting:     {StateDestroyed},
	StateDestroyed:     {},
}

// CanTransition проверяет переход по таблице
func CanTransition(from, to State) bool {
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitions возвращает список допустимых переходов из состояния
func ValidTransitions(from State) []State {
	out := make([]State, len(transitionTable[from]))
	copy(out, transitionTable[from])
	return out
}

// transitionEvents строит события looplab/fsm из таблицы переходов:
// одно событие на каждое целевое состояние, имя события = имя состояния.
func transitionEvents() fsm.Events {
	sources := make(map[State][]string)
	for from, targets := range transitionTable {
		for _, to := range targets {
			sources[to] = append(sources[to], from.String())
		}
	}

	events := make(fsm.Events, 0, len(sources))
	for _, to := range States() {
		src, ok := sources[to]
		if !ok {
			continue
		}
		events = append(events, fsm.EventDesc{Name: to.String(), Src: src, Dst: to.String()})
	}
	return events
}

// newStateMachine создает автомат состояний канала в состоянии NEW
func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(StateNew.String(), transitionEvents(), fsm.Callbacks{})
}
