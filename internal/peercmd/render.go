package peercmd

import (
	"fmt"
	"io"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/media"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func renderRooms(w io.Writer, rooms []core.RoomInfo) {
	t := newTable(w, "Rooms")
	t.AppendHeader(table.Row{"Room", "Members"})
	for _, r := range rooms {
		t.AppendRow(table.Row{r.ID, r.MemberCount})
	}
	t.AppendFooter(table.Row{"Total", len(rooms)})
	t.Render()
}

func renderMembers(w io.Writer, members []core.MemberDTO) {
	t := newTable(w, "Members")
	t.AppendHeader(table.Row{"Peer", "Name", "Presence"})
	for _, m := range members {
		t.AppendRow(table.Row{m.ID, m.DisplayName, m.Presence})
	}
	t.Render()
}

func renderStats(w io.Writer, stats []media.TrackStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no remote media received")
		return
	}
	t := newTable(w, "Received media")
	t.AppendHeader(table.Row{"Peer", "Track", "Kind", "Packets", "Bytes", "Gaps"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	for _, s := range stats {
		t.AppendRow(table.Row{s.Peer, s.TrackID, s.Kind, s.Packets, s.Bytes, s.Gaps})
	}
	t.Render()
}
