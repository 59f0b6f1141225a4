package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/livekit/protocol/livekit"
)

func printRoom(join *livekit.JoinResponse) {
	room := join.GetRoom()
	fmt.Printf("room %s (%s), %d participants, created %s\n",
		room.GetName(), room.GetSid(),
		len(join.GetOtherParticipants())+1,
		humanize.Time(time.Unix(room.GetCreationTime(), 0)),
	)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Identity", "SID", "State", "Tracks", "Joined"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_CENTER, tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT,
	})

	appendParticipant := func(p *livekit.ParticipantInfo, self bool) {
		identity := p.GetIdentity()
		if self {
			identity += " (you)"
		}
		tracks := make([]string, 0, len(p.GetTracks()))
		for _, t := range p.GetTracks() {
			desc := fmt.Sprintf("%s %s", t.GetType().String(), t.GetSid())
			if t.GetMuted() {
				desc += " muted"
			}
			tracks = append(tracks, desc)
		}
		joined := ""
		if p.GetJoinedAt() > 0 {
			joined = humanize.Time(time.Unix(p.GetJoinedAt(), 0))
		}
		table.Append([]string{
			identity, p.GetSid(), p.GetState().String(),
			strings.Join(tracks, "\n"), joined,
		})
	}

	appendParticipant(join.GetParticipant(), true)
	for _, p := range join.GetOtherParticipants() {
		appendParticipant(p, false)
	}
	table.Render()
}
