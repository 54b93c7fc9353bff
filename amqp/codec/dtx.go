// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

// Dtx methods.
const (
	MethodDtxSelect       = 10
	MethodDtxSelectOk     = 11
	MethodDtxStart        = 20
	MethodDtxStartOk      = 21
	MethodDtxEnd          = 30
	MethodDtxEndOk        = 31
	MethodDtxCommit       = 40
	MethodDtxCommitOk     = 41
	MethodDtxForget       = 50
	MethodDtxForgetOk     = 51
	MethodDtxGetTimeout   = 60
	MethodDtxGetTimeoutOk = 61
	MethodDtxPrepare      = 70
	MethodDtxPrepareOk    = 71
	MethodDtxRecover      = 80
	MethodDtxRecoverOk    = 81
	MethodDtxRollback     = 90
	MethodDtxRollbackOk   = 91
	MethodDtxSetTimeout   = 100
	MethodDtxSetTimeoutOk = 101
)

// XA result codes carried by dtx replies.
const (
	XaOK         uint16 = 0
	XaRDOnly     uint16 = 3
	XaHeurMix    uint16 = 5
	XaHeurRB     uint16 = 6
	XaHeurCom    uint16 = 7
	XaHeurHaz    uint16 = 8
	XaRBRollback uint16 = 100
	XaRBTimeout  uint16 = 106
)

// XidArgs is the transaction branch identifier prefix shared by dtx methods.
type XidArgs struct {
	Format   uint16
	GlobalID []byte
	BranchID []byte
}

func (x *XidArgs) read(r *Reader) {
	x.Format = r.Short()
	x.GlobalID = []byte(r.LongStr())
	x.BranchID = []byte(r.LongStr())
}

func (x *XidArgs) write(w *Writer) {
	w.Short(x.Format)
	w.LongStr(string(x.GlobalID))
	w.LongStr(string(x.BranchID))
}

type DtxSelect struct{}

func (*DtxSelect) ID() (uint16, uint16) { return ClassDtx, MethodDtxSelect }
func (*DtxSelect) Read(*Reader)         {}
func (*DtxSelect) Write(*Writer)        {}

type DtxSelectOk struct{}

func (*DtxSelectOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxSelectOk }
func (*DtxSelectOk) Read(*Reader)         {}
func (*DtxSelectOk) Write(*Writer)        {}

type DtxStart struct {
	XidArgs
	Join   bool
	Resume bool
}

func (*DtxStart) ID() (uint16, uint16) { return ClassDtx, MethodDtxStart }

func (m *DtxStart) Read(r *Reader) {
	m.read(r)
	flags := r.Octet()
	m.Join = bit(flags, 0)
	m.Resume = bit(flags, 1)
}

func (m *DtxStart) Write(w *Writer) {
	m.write(w)
	w.Octet(packBits(m.Join, m.Resume))
}

// XaReply is the body of every dtx reply that reports an XA result.
type XaReply struct {
	XaResult uint16
}

func (m *XaReply) Read(r *Reader)  { m.XaResult = r.Short() }
func (m *XaReply) Write(w *Writer) { w.Short(m.XaResult) }

type DtxStartOk struct{ XaReply }

func (*DtxStartOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxStartOk }

type DtxEnd struct {
	XidArgs
	Fail    bool
	Suspend bool
}

func (*DtxEnd) ID() (uint16, uint16) { return ClassDtx, MethodDtxEnd }

func (m *DtxEnd) Read(r *Reader) {
	m.read(r)
	flags := r.Octet()
	m.Fail = bit(flags, 0)
	m.Suspend = bit(flags, 1)
}

func (m *DtxEnd) Write(w *Writer) {
	m.write(w)
	w.Octet(packBits(m.Fail, m.Suspend))
}

type DtxEndOk struct{ XaReply }

func (*DtxEndOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxEndOk }

type DtxCommit struct {
	XidArgs
	OnePhase bool
}

func (*DtxCommit) ID() (uint16, uint16) { return ClassDtx, MethodDtxCommit }

func (m *DtxCommit) Read(r *Reader) {
	m.read(r)
	m.OnePhase = bit(r.Octet(), 0)
}

func (m *DtxCommit) Write(w *Writer) {
	m.write(w)
	w.Octet(packBits(m.OnePhase))
}

type DtxCommitOk struct{ XaReply }

func (*DtxCommitOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxCommitOk }

type DtxForget struct{ XidArgs }

func (*DtxForget) ID() (uint16, uint16) { return ClassDtx, MethodDtxForget }
func (m *DtxForget) Read(r *Reader)     { m.read(r) }
func (m *DtxForget) Write(w *Writer)    { m.write(w) }

type DtxForgetOk struct{}

func (*DtxForgetOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxForgetOk }
func (*DtxForgetOk) Read(*Reader)         {}
func (*DtxForgetOk) Write(*Writer)        {}

type DtxGetTimeout struct{ XidArgs }

func (*DtxGetTimeout) ID() (uint16, uint16) { return ClassDtx, MethodDtxGetTimeout }
func (m *DtxGetTimeout) Read(r *Reader)     { m.read(r) }
func (m *DtxGetTimeout) Write(w *Writer)    { m.write(w) }

type DtxGetTimeoutOk struct {
	Timeout uint64
}

func (*DtxGetTimeoutOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxGetTimeoutOk }
func (m *DtxGetTimeoutOk) Read(r *Reader)     { m.Timeout = r.LongLong() }
func (m *DtxGetTimeoutOk) Write(w *Writer)    { w.LongLong(m.Timeout) }

type DtxPrepare struct{ XidArgs }

func (*DtxPrepare) ID() (uint16, uint16) { return ClassDtx, MethodDtxPrepare }
func (m *DtxPrepare) Read(r *Reader)     { m.read(r) }
func (m *DtxPrepare) Write(w *Writer)    { m.write(w) }

type DtxPrepareOk struct{ XaReply }

func (*DtxPrepareOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxPrepareOk }

type DtxRecover struct{}

func (*DtxRecover) ID() (uint16, uint16) { return ClassDtx, MethodDtxRecover }
func (*DtxRecover) Read(*Reader)         {}
func (*DtxRecover) Write(*Writer)        {}

// DtxRecoverOk lists the in-doubt (prepared) branches.
type DtxRecoverOk struct {
	Xids []XidArgs
}

func (*DtxRecoverOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxRecoverOk }

func (m *DtxRecoverOk) Read(r *Reader) {
	m.Xids = nil
	for _, v := range r.Array() {
		t, ok := v.(Table)
		if !ok {
			r.fail("dtx recover entry is %T, not a table", v)
			return
		}
		format, _ := t["format"].(uint16)
		gid, _ := t["global-id"].([]byte)
		bid, _ := t["branch-id"].([]byte)
		m.Xids = append(m.Xids, XidArgs{Format: format, GlobalID: gid, BranchID: bid})
	}
}

func (m *DtxRecoverOk) Write(w *Writer) {
	arr := make([]any, 0, len(m.Xids))
	for _, x := range m.Xids {
		arr = append(arr, Table{
			"format":    x.Format,
			"global-id": x.GlobalID,
			"branch-id": x.BranchID,
		})
	}
	w.Array(arr)
}

type DtxRollback struct{ XidArgs }

func (*DtxRollback) ID() (uint16, uint16) { return ClassDtx, MethodDtxRollback }
func (m *DtxRollback) Read(r *Reader)     { m.read(r) }
func (m *DtxRollback) Write(w *Writer)    { m.write(w) }

type DtxRollbackOk struct{ XaReply }

func (*DtxRollbackOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxRollbackOk }

type DtxSetTimeout struct {
	XidArgs
	Timeout uint64
}

func (*DtxSetTimeout) ID() (uint16, uint16) { return ClassDtx, MethodDtxSetTimeout }

func (m *DtxSetTimeout) Read(r *Reader) {
	m.read(r)
	m.Timeout = r.LongLong()
}

func (m *DtxSetTimeout) Write(w *Writer) {
	m.write(w)
	w.LongLong(m.Timeout)
}

type DtxSetTimeoutOk struct{}

func (*DtxSetTimeoutOk) ID() (uint16, uint16) { return ClassDtx, MethodDtxSetTimeoutOk }
func (*DtxSetTimeoutOk) Read(*Reader)         {}
func (*DtxSetTimeoutOk) Write(*Writer)        {}
