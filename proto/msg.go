// Package proto is the bus's control-plane wire schema (spec §6 "Message
// schema"): an envelope carrying `{cmd, type, ret, sequence}` plus one of
// the body kinds selected by cmd, encoded with msgp the way the teacher's
// own hand-maintained msgp types are (see e.g. dsort.EncodeMsg /
// xact/xs/lso.go): manual EncodeMsg/DecodeMsg methods against
// github.com/tinylib/msgp/msgp's streaming Writer/Reader, in the same
// generated-looking shape msgp codegen produces, rather than a generic
// encoding/json or protobuf schema.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package proto

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
)

// Cmd identifies the message kind (spec §6 "Message schema" table).
type Cmd uint8

const (
	CmdDataTransformReq Cmd = iota + 1
	CmdDataTransformRsp
	CmdCustomCommandReq
	CmdCustomCommandRsp
	CmdNodeRegReq
	CmdNodeRegRsp
	CmdNodeSyncReq
	CmdNodeSyncRsp
	CmdNodeConnSyn
	CmdNodePing
	CmdNodePong
)

// Msg is the envelope every control-plane message carries (spec §6,
// "Message envelope carries {cmd, type, ret, sequence} plus the body
// selected by cmd"). At most one body field is used, the one Cmd selects;
// it may be nil (node_sync_req, node_pong), which encodes as a nil body.
type Msg struct {
	Cmd      Cmd
	Type     int32
	Ret      int32
	Sequence uint64

	DataTransform *DataTransformData
	CustomCommand *CustomCommandData
	NodeReg       *NodeRegData
	NodeSync      *NodeSyncData
	NodeConnSyn   *NodeConnSynData
	NodePing      *NodePingData
}

func (m *Msg) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(5); err != nil {
		return err
	}
	if err := writeField(w, "cmd", func() error { return w.WriteUint8(uint8(m.Cmd)) }); err != nil {
		return err
	}
	if err := writeField(w, "type", func() error { return w.WriteInt32(m.Type) }); err != nil {
		return err
	}
	if err := writeField(w, "ret", func() error { return w.WriteInt32(m.Ret) }); err != nil {
		return err
	}
	if err := writeField(w, "seq", func() error { return w.WriteUint64(m.Sequence) }); err != nil {
		return err
	}
	return writeField(w, "body", func() error { return m.encodeBody(w) })
}

func (m *Msg) encodeBody(w *msgp.Writer) error {
	switch m.Cmd {
	case CmdDataTransformReq, CmdDataTransformRsp:
		if m.DataTransform == nil {
			return w.WriteNil()
		}
		return m.DataTransform.EncodeMsg(w)
	case CmdCustomCommandReq, CmdCustomCommandRsp:
		if m.CustomCommand == nil {
			return w.WriteNil()
		}
		return m.CustomCommand.EncodeMsg(w)
	case CmdNodeRegReq, CmdNodeRegRsp:
		if m.NodeReg == nil {
			return w.WriteNil()
		}
		return m.NodeReg.EncodeMsg(w)
	case CmdNodeSyncReq, CmdNodeSyncRsp:
		if m.NodeSync == nil {
			return w.WriteNil()
		}
		return m.NodeSync.EncodeMsg(w)
	case CmdNodeConnSyn:
		if m.NodeConnSyn == nil {
			return w.WriteNil()
		}
		return m.NodeConnSyn.EncodeMsg(w)
	case CmdNodePing, CmdNodePong:
		if m.NodePing == nil {
			return w.WriteNil()
		}
		return m.NodePing.EncodeMsg(w)
	default:
		return w.WriteNil()
	}
}

func writeField(w *msgp.Writer, name string, write func() error) error {
	if err := w.WriteString(name); err != nil {
		return err
	}
	return write()
}

func (m *Msg) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		field, err := r.ReadString()
		if err != nil {
			return err
		}
		switch field {
		case "cmd":
			v, err := r.ReadUint8()
			if err != nil {
				return err
			}
			m.Cmd = Cmd(v)
		case "type":
			if m.Type, err = r.ReadInt32(); err != nil {
				return err
			}
		case "ret":
			if m.Ret, err = r.ReadInt32(); err != nil {
				return err
			}
		case "seq":
			if m.Sequence, err = r.ReadUint64(); err != nil {
				return err
			}
		case "body":
			if err := m.decodeBody(r); err != nil {
				return err
			}
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Msg) decodeBody(r *msgp.Reader) error {
	t, err := r.NextType()
	if err != nil {
		return err
	}
	if t == msgp.NilType {
		return r.ReadNil()
	}
	switch m.Cmd {
	case CmdDataTransformReq, CmdDataTransformRsp:
		m.DataTransform = &DataTransformData{}
		return m.DataTransform.DecodeMsg(r)
	case CmdCustomCommandReq, CmdCustomCommandRsp:
		m.CustomCommand = &CustomCommandData{}
		return m.CustomCommand.DecodeMsg(r)
	case CmdNodeRegReq, CmdNodeRegRsp:
		m.NodeReg = &NodeRegData{}
		return m.NodeReg.DecodeMsg(r)
	case CmdNodeSyncReq, CmdNodeSyncRsp:
		m.NodeSync = &NodeSyncData{}
		return m.NodeSync.DecodeMsg(r)
	case CmdNodeConnSyn:
		m.NodeConnSyn = &NodeConnSynData{}
		return m.NodeConnSyn.DecodeMsg(r)
	case CmdNodePing, CmdNodePong:
		m.NodePing = &NodePingData{}
		return m.NodePing.DecodeMsg(r)
	default:
		return r.Skip()
	}
}

// Marshal/Unmarshal round-trip a Msg through an in-memory buffer, the shape
// the stream channel's send/recv framing (spec §4.4) wraps in a CRC32+
// varint frame.
func Marshal(m *Msg) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := m.EncodeMsg(w); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (*Msg, error) {
	m := &Msg{}
	r := msgp.NewReader(bytes.NewReader(b))
	if err := m.DecodeMsg(r); err != nil {
		return nil, err
	}
	return m, nil
}
