package cnode

import (
	"fmt"
	"strconv"

	"github.com/raskyld/cnode/pkg/etf"
)

// passThrough prefixes every distribution message when no atom cache is
// negotiated.
const passThrough = 'p'

// ControlOp is the operation carried by the first element of a control
// message.
type ControlOp int

const (
	OpLink                ControlOp = 1
	OpSend                ControlOp = 2
	OpExit                ControlOp = 3
	OpUnlink              ControlOp = 4
	OpNodeLink            ControlOp = 5
	OpRegSend             ControlOp = 6
	OpGroupLeader         ControlOp = 7
	OpExit2               ControlOp = 8
	OpSendTT              ControlOp = 12
	OpExitTT              ControlOp = 13
	OpRegSendTT           ControlOp = 16
	OpExit2TT             ControlOp = 18
	OpMonitorP            ControlOp = 19
	OpDemonitorP          ControlOp = 20
	OpMonitorPExit        ControlOp = 21
	OpSendSender          ControlOp = 22
	OpSendSenderTT        ControlOp = 23
	OpPayloadExit         ControlOp = 24
	OpPayloadExitTT       ControlOp = 25
	OpPayloadExit2        ControlOp = 26
	OpPayloadExit2TT      ControlOp = 27
	OpPayloadMonitorPExit ControlOp = 28
	OpSpawnRequest        ControlOp = 29
	OpSpawnRequestTT      ControlOp = 30
	OpSpawnReply          ControlOp = 31
	OpSpawnReplyTT        ControlOp = 32
	OpAliasSend           ControlOp = 33
	OpAliasSendTT         ControlOp = 34
	OpUnlinkID            ControlOp = 35
	OpUnlinkIDAck         ControlOp = 36
)

var opNames = map[ControlOp]string{
	OpLink:                "LINK",
	OpSend:                "SEND",
	OpExit:                "EXIT",
	OpUnlink:              "UNLINK",
	OpNodeLink:            "NODE_LINK",
	OpRegSend:             "REG_SEND",
	OpGroupLeader:         "GROUP_LEADER",
	OpExit2:               "EXIT2",
	OpSendTT:              "SEND_TT",
	OpExitTT:              "EXIT_TT",
	OpRegSendTT:           "REG_SEND_TT",
	OpExit2TT:             "EXIT2_TT",
	OpMonitorP:            "MONITOR_P",
	OpDemonitorP:          "DEMONITOR_P",
	OpMonitorPExit:        "MONITOR_P_EXIT",
	OpSendSender:          "SEND_SENDER",
	OpSendSenderTT:        "SEND_SENDER_TT",
	OpPayloadExit:         "PAYLOAD_EXIT",
	OpPayloadExitTT:       "PAYLOAD_EXIT_TT",
	OpPayloadExit2:        "PAYLOAD_EXIT2",
	OpPayloadExit2TT:      "PAYLOAD_EXIT2_TT",
	OpPayloadMonitorPExit: "PAYLOAD_MONITOR_P_EXIT",
	OpSpawnRequest:        "SPAWN_REQUEST",
	OpSpawnRequestTT:      "SPAWN_REQUEST_TT",
	OpSpawnReply:          "SPAWN_REPLY",
	OpSpawnReplyTT:        "SPAWN_REPLY_TT",
	OpAliasSend:           "ALIAS_SEND",
	OpAliasSendTT:         "ALIAS_SEND_TT",
	OpUnlinkID:            "UNLINK_ID",
	OpUnlinkIDAck:         "UNLINK_ID_ACK",
}

func (op ControlOp) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return "OP_" + strconv.Itoa(int(op))
}

// IsMessage reports whether op delivers a message to a process.
func (op ControlOp) IsMessage() bool {
	switch op {
	case OpSend, OpSendTT, OpSendSender, OpSendSenderTT,
		OpRegSend, OpRegSendTT, OpAliasSend, OpAliasSendTT:
		return true
	}
	return false
}

// Message is one decoded distribution message.
type Message struct {
	Op ControlOp

	// From is the sender, zero for SEND.
	From Pid
	// To is the destination pid of SEND and SEND_SENDER.
	To Pid
	// ToName is the destination of REG_SEND.
	ToName string
	// Alias is the destination of ALIAS_SEND.
	Alias *etf.Ref

	Control etf.Tuple
	// Payload is nil for control messages without one.
	Payload etf.Term
}

// parseMessage decodes a data frame body. Structural problems are Receive
// errors, undecodable terms are Decode errors.
func parseMessage(body []byte) (*Message, error) {
	if len(body) == 0 || body[0] != passThrough {
		return nil, wrap(ErrReceive, fmt.Errorf("%w: not a pass-through message", ErrProtocolViolation))
	}

	ctrl, rest, err := etf.Decode(body[1:])
	if err != nil {
		return nil, wrap(ErrDecode, err)
	}
	tuple, ok := ctrl.(etf.Tuple)
	if !ok || len(tuple) == 0 {
		return nil, wrap(ErrReceive, fmt.Errorf("%w: control message is not a tuple", ErrProtocolViolation))
	}
	op, ok := tuple[0].(int64)
	if !ok {
		return nil, wrap(ErrReceive, fmt.Errorf("%w: control message without operation", ErrProtocolViolation))
	}

	msg := &Message{Op: ControlOp(op), Control: tuple}
	if len(rest) > 0 {
		if msg.Payload, err = etf.Unmarshal(rest); err != nil {
			return nil, wrap(ErrDecode, err)
		}
	} else if msg.Op.IsMessage() {
		return nil, wrap(ErrReceive, fmt.Errorf("%w: %s without payload", ErrProtocolViolation, msg.Op))
	}

	if err := msg.route(); err != nil {
		return nil, err
	}
	return msg, nil
}

// route fills the addressing fields of message operations.
func (msg *Message) route() error {
	var minLen int
	switch msg.Op {
	case OpSend, OpSendSender, OpAliasSend:
		minLen = 3
	case OpSendTT, OpSendSenderTT, OpRegSend, OpAliasSendTT:
		minLen = 4
	case OpRegSendTT:
		minLen = 5
	default:
		return nil
	}
	if len(msg.Control) < minLen {
		return wrap(ErrReceive, fmt.Errorf("%w: short %s control", ErrProtocolViolation, msg.Op))
	}

	var err error
	switch msg.Op {
	case OpSend, OpSendTT:
		msg.To, err = PidFromTerm(msg.Control[2])
	case OpSendSender, OpSendSenderTT:
		if msg.From, err = PidFromTerm(msg.Control[1]); err == nil {
			msg.To, err = PidFromTerm(msg.Control[2])
		}
	case OpRegSend, OpRegSendTT:
		if msg.From, err = PidFromTerm(msg.Control[1]); err == nil {
			name, ok := msg.Control[3].(etf.Atom)
			if !ok {
				return wrap(ErrReceive, fmt.Errorf("%w: REG_SEND to a non-atom", ErrProtocolViolation))
			}
			msg.ToName = string(name)
		}
	case OpAliasSend, OpAliasSendTT:
		if msg.From, err = PidFromTerm(msg.Control[1]); err == nil {
			alias, ok := msg.Control[2].(etf.Ref)
			if !ok {
				return wrap(ErrReceive, fmt.Errorf("%w: ALIAS_SEND to a non-reference", ErrProtocolViolation))
			}
			msg.Alias = &alias
		}
	}
	return err
}

func sendControl(self, to Pid, peerFlags uint64) etf.Tuple {
	if peerFlags&flagSendSender != 0 {
		return etf.Tuple{int(OpSendSender), self.Term(), to.Term()}
	}
	return etf.Tuple{int(OpSend), etf.Atom(""), to.Term()}
}

func regSendControl(self Pid, name string) etf.Tuple {
	return etf.Tuple{int(OpRegSend), self.Term(), etf.Atom(""), etf.Atom(name)}
}
