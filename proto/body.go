package proto

import "github.com/tinylib/msgp/msgp"

// DataTransformData is the body of data_transform_req/_rsp (spec §6
// message table: `{from, to, router[], content}`).
type DataTransformData struct {
	From    uint64
	To      uint64
	Router  []uint64
	Content []byte
}

func (d *DataTransformData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(4); err != nil {
		return err
	}
	if err := writeField(w, "from", func() error { return w.WriteUint64(d.From) }); err != nil {
		return err
	}
	if err := writeField(w, "to", func() error { return w.WriteUint64(d.To) }); err != nil {
		return err
	}
	if err := writeField(w, "router", func() error { return writeU64Slice(w, d.Router) }); err != nil {
		return err
	}
	return writeField(w, "content", func() error { return w.WriteBytes(d.Content) })
}

func (d *DataTransformData) DecodeMsg(r *msgp.Reader) error {
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
		case "from":
			if d.From, err = r.ReadUint64(); err != nil {
				return err
			}
		case "to":
			if d.To, err = r.ReadUint64(); err != nil {
				return err
			}
		case "router":
			if d.Router, err = readU64Slice(r); err != nil {
				return err
			}
		case "content":
			if d.Content, err = r.ReadBytes(nil); err != nil {
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

// CustomCommandData is the body of custom_command_req/_rsp (spec §6:
// `{from, fragments[]}`).
type CustomCommandData struct {
	From      uint64
	Fragments [][]byte
}

func (d *CustomCommandData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(2); err != nil {
		return err
	}
	if err := writeField(w, "from", func() error { return w.WriteUint64(d.From) }); err != nil {
		return err
	}
	return writeField(w, "fragments", func() error {
		if err := w.WriteArrayHeader(uint32(len(d.Fragments))); err != nil {
			return err
		}
		for _, f := range d.Fragments {
			if err := w.WriteBytes(f); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *CustomCommandData) DecodeMsg(r *msgp.Reader) error {
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
		case "from":
			if d.From, err = r.ReadUint64(); err != nil {
				return err
			}
		case "fragments":
			cnt, err := r.ReadArrayHeader()
			if err != nil {
				return err
			}
			d.Fragments = make([][]byte, cnt)
			for i := range d.Fragments {
				if d.Fragments[i], err = r.ReadBytes(nil); err != nil {
					return err
				}
			}
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodeRegData is the body of node_reg_req/_rsp (spec §6: `{bus_id, pid,
// host, channels[], children_mask, has_global_tree}`).
type NodeRegData struct {
	BusID         uint64
	PID           int32
	Host          string
	Channels      []string
	ChildrenMask  uint32
	HasGlobalTree bool
}

func (d *NodeRegData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(6); err != nil {
		return err
	}
	if err := writeField(w, "bus_id", func() error { return w.WriteUint64(d.BusID) }); err != nil {
		return err
	}
	if err := writeField(w, "pid", func() error { return w.WriteInt32(d.PID) }); err != nil {
		return err
	}
	if err := writeField(w, "host", func() error { return w.WriteString(d.Host) }); err != nil {
		return err
	}
	if err := writeField(w, "channels", func() error {
		if err := w.WriteArrayHeader(uint32(len(d.Channels))); err != nil {
			return err
		}
		for _, c := range d.Channels {
			if err := w.WriteString(c); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := writeField(w, "children_mask", func() error { return w.WriteUint32(d.ChildrenMask) }); err != nil {
		return err
	}
	return writeField(w, "has_global_tree", func() error { return w.WriteBool(d.HasGlobalTree) })
}

func (d *NodeRegData) DecodeMsg(r *msgp.Reader) error {
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
		case "bus_id":
			if d.BusID, err = r.ReadUint64(); err != nil {
				return err
			}
		case "pid":
			if d.PID, err = r.ReadInt32(); err != nil {
				return err
			}
		case "host":
			if d.Host, err = r.ReadString(); err != nil {
				return err
			}
		case "channels":
			cnt, err := r.ReadArrayHeader()
			if err != nil {
				return err
			}
			d.Channels = make([]string, cnt)
			for i := range d.Channels {
				if d.Channels[i], err = r.ReadString(); err != nil {
					return err
				}
			}
		case "children_mask":
			if d.ChildrenMask, err = r.ReadUint32(); err != nil {
				return err
			}
		case "has_global_tree":
			if d.HasGlobalTree, err = r.ReadBool(); err != nil {
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

// NodeSyncData is the body of node_sync_req/_rsp (spec §6: `{nodes[]}`, a
// tree snapshot) — the supplemented feature of SPEC_FULL.md §9: a child
// requests it right after a successful reg_rsp, a parent periodically
// pushes it unsolicited to every direct child.
type NodeSyncData struct {
	Nodes []NodeSnapshot
}

// NodeSnapshot is one entry of a sync snapshot: enough for a child to
// classify a peer (spec §4.5 classification) without probing it directly.
type NodeSnapshot struct {
	BusID        uint64
	ChildrenMask uint32
	ParentID     uint64
}

func (d *NodeSyncData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(1); err != nil {
		return err
	}
	return writeField(w, "nodes", func() error {
		if err := w.WriteArrayHeader(uint32(len(d.Nodes))); err != nil {
			return err
		}
		for _, n := range d.Nodes {
			if err := w.WriteMapHeader(3); err != nil {
				return err
			}
			if err := w.WriteString("bus_id"); err != nil {
				return err
			}
			if err := w.WriteUint64(n.BusID); err != nil {
				return err
			}
			if err := w.WriteString("children_mask"); err != nil {
				return err
			}
			if err := w.WriteUint32(n.ChildrenMask); err != nil {
				return err
			}
			if err := w.WriteString("parent_id"); err != nil {
				return err
			}
			if err := w.WriteUint64(n.ParentID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *NodeSyncData) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		field, err := r.ReadString()
		if err != nil {
			return err
		}
		if field != "nodes" {
			if err := r.Skip(); err != nil {
				return err
			}
			continue
		}
		cnt, err := r.ReadArrayHeader()
		if err != nil {
			return err
		}
		d.Nodes = make([]NodeSnapshot, cnt)
		for i := range d.Nodes {
			fn, err := r.ReadMapHeader()
			if err != nil {
				return err
			}
			for j := uint32(0); j < fn; j++ {
				key, err := r.ReadString()
				if err != nil {
					return err
				}
				switch key {
				case "bus_id":
					if d.Nodes[i].BusID, err = r.ReadUint64(); err != nil {
						return err
					}
				case "children_mask":
					if d.Nodes[i].ChildrenMask, err = r.ReadUint32(); err != nil {
						return err
					}
				case "parent_id":
					if d.Nodes[i].ParentID, err = r.ReadUint64(); err != nil {
						return err
					}
				default:
					if err := r.Skip(); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// NodeConnSynData is the body of node_conn_syn (spec §6: `{address}`), the
// opportunistic-direct-link hint (spec §4.5).
type NodeConnSynData struct {
	Address string
}

func (d *NodeConnSynData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(1); err != nil {
		return err
	}
	return writeField(w, "address", func() error { return w.WriteString(d.Address) })
}

func (d *NodeConnSynData) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		field, err := r.ReadString()
		if err != nil {
			return err
		}
		if field == "address" {
			if d.Address, err = r.ReadString(); err != nil {
				return err
			}
		} else if err := r.Skip(); err != nil {
			return err
		}
	}
	return nil
}

// NodePingData is the body of node_ping/node_pong (spec §6: `{ping_id,
// time_point_ms}`).
type NodePingData struct {
	PingID      uint64
	TimePointMs int64
}

func (d *NodePingData) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(2); err != nil {
		return err
	}
	if err := writeField(w, "ping_id", func() error { return w.WriteUint64(d.PingID) }); err != nil {
		return err
	}
	return writeField(w, "time_point_ms", func() error { return w.WriteInt64(d.TimePointMs) })
}

func (d *NodePingData) DecodeMsg(r *msgp.Reader) error {
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
		case "ping_id":
			if d.PingID, err = r.ReadUint64(); err != nil {
				return err
			}
		case "time_point_ms":
			if d.TimePointMs, err = r.ReadInt64(); err != nil {
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

func writeU64Slice(w *msgp.Writer, s []uint64) error {
	if err := w.WriteArrayHeader(uint32(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := w.WriteUint64(v); err != nil {
			return err
		}
	}
	return nil
}

func readU64Slice(r *msgp.Reader) ([]uint64, error) {
	cnt, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, cnt)
	for i := range out {
		if out[i], err = r.ReadUint64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
