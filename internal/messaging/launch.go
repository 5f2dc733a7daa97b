package messaging

import (
	"fmt"

	"github.com/ChuLiYu/gridlaunch/pkg/types"
)

// LaunchProc 啟動訊息中的單一行程
type LaunchProc struct {
	Rank      types.Rank
	AppIdx    int
	Parent    types.Rank
	LocalRank int
	NodeRank  int
	Locale    string
}

// Launch CmdAddLocalProcs 的內容
type Launch struct {
	Job   types.JobID
	Flags types.JobFlags
	Apps  []*types.AppContext
	Procs []LaunchProc
}

// PackLaunch 打包啟動訊息。procs 通常是整個 job 的行程，
// 每個 daemon 只挑出 Parent 等於自己的部分。
func PackLaunch(job *types.Job, procs []*types.Proc) *Buffer {
	buf := NewBuffer()
	buf.PackCmd(CmdAddLocalProcs)
	buf.PackJobID(job.ID)
	buf.PackUint32(uint32(job.Flags))

	buf.PackInt32(int32(len(job.Apps)))
	for _, app := range job.Apps {
		buf.PackInt32(int32(app.Index))
		buf.PackString(app.App)
		buf.PackStrings(app.Argv)
		buf.PackStrings(app.Env)
		buf.PackString(app.Cwd)
		buf.PackInt32(int32(app.NumProcs))
	}

	buf.PackInt32(int32(len(procs)))
	for _, p := range procs {
		buf.PackRank(p.Name.Rank)
		buf.PackInt32(int32(p.AppIdx))
		buf.PackRank(p.Parent)
		buf.PackInt32(int32(p.LocalRank))
		buf.PackInt32(int32(p.NodeRank))
		locale, _ := p.Attrs.GetString(types.AttrLocale)
		buf.PackString(locale)
	}
	return buf
}

// UnpackLaunch 在命令已讀取後解包啟動訊息
func UnpackLaunch(buf *Buffer) (*Launch, error) {
	l := &Launch{}
	var err error
	if l.Job, err = buf.UnpackJobID(); err != nil {
		return nil, fmt.Errorf("unpack job: %w", err)
	}
	flags, err := buf.UnpackUint32()
	if err != nil {
		return nil, fmt.Errorf("unpack flags: %w", err)
	}
	l.Flags = types.JobFlags(flags)

	napps, err := buf.UnpackInt32()
	if err != nil {
		return nil, fmt.Errorf("unpack app count: %w", err)
	}
	for i := int32(0); i < napps; i++ {
		app := &types.AppContext{}
		idx, err := buf.UnpackInt32()
		if err != nil {
			return nil, err
		}
		app.Index = int(idx)
		if app.App, err = buf.UnpackString(); err != nil {
			return nil, err
		}
		if app.Argv, err = buf.UnpackStrings(); err != nil {
			return nil, err
		}
		if app.Env, err = buf.UnpackStrings(); err != nil {
			return nil, err
		}
		if app.Cwd, err = buf.UnpackString(); err != nil {
			return nil, err
		}
		np, err := buf.UnpackInt32()
		if err != nil {
			return nil, err
		}
		app.NumProcs = int(np)
		l.Apps = append(l.Apps, app)
	}

	nprocs, err := buf.UnpackInt32()
	if err != nil {
		return nil, fmt.Errorf("unpack proc count: %w", err)
	}
	for i := int32(0); i < nprocs; i++ {
		var lp LaunchProc
		if lp.Rank, err = buf.UnpackRank(); err != nil {
			return nil, err
		}
		v, err := buf.UnpackInt32()
		if err != nil {
			return nil, err
		}
		lp.AppIdx = int(v)
		if lp.Parent, err = buf.UnpackRank(); err != nil {
			return nil, err
		}
		if v, err = buf.UnpackInt32(); err != nil {
			return nil, err
		}
		lp.LocalRank = int(v)
		if v, err = buf.UnpackInt32(); err != nil {
			return nil, err
		}
		lp.NodeRank = int(v)
		if lp.Locale, err = buf.UnpackString(); err != nil {
			return nil, err
		}
		l.Procs = append(l.Procs, lp)
	}
	return l, nil
}
