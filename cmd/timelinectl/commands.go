package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/matrix-timeline/pkg/timeline"
)

var roomsCommand = &cli.Command{
	Name:   "rooms",
	Usage:  "List known rooms",
	Action: listRooms,
}

var timelineCommand = &cli.Command{
	Name:      "timeline",
	Usage:     "Print a room's timeline by walking links backwards from the tip",
	ArgsUsage: "<room ID>",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Maximum number of events to print",
			Value: 50,
		},
	},
	Action: printTimeline,
}

var outboxCommand = &cli.Command{
	Name:      "outbox",
	Usage:     "List outbox messages for a room",
	ArgsUsage: "<room ID>",
	Action:    listOutbox,
}

func listRooms(ctx *cli.Context) error {
	rooms, err := getStore(ctx).Rooms(ctx.Context)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		flags := ""
		if room.Encrypted {
			flags += " encrypted"
		}
		if room.SuccessorRoomID != "" {
			flags += fmt.Sprintf(" upgraded->%s", room.SuccessorRoomID)
		}
		fmt.Printf("%s  membership=%s  last=%s%s\n", room.ID, room.Membership, room.LastEventID, flags)
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms found")
	}
	return nil
}

func printTimeline(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("exactly one room ID argument is required")
	}
	roomID := id.RoomID(ctx.Args().First())
	store := getStore(ctx)
	room, err := store.GetRoom(ctx.Context, roomID)
	if err != nil {
		return err
	} else if room == nil {
		return fmt.Errorf("room %s not found", roomID)
	} else if room.LastEventID == "" {
		fmt.Println("Room has no timeline events")
		return nil
	}

	limit := ctx.Int("limit")
	var nodes []*timeline.TimelineNode
	for cursor := room.LastEventID; cursor != "" && len(nodes) < limit; {
		node, err := store.GetNode(ctx.Context, roomID, cursor)
		if err != nil {
			return err
		} else if node == nil {
			return fmt.Errorf("dangling link to %s", cursor)
		}
		nodes = append(nodes, node)
		cursor = node.PrevEventID
	}
	// Oldest first for display.
	for i := len(nodes) - 1; i >= 0; i-- {
		printNode(nodes[i])
	}
	return nil
}

func printNode(node *timeline.TimelineNode) {
	if node.GapBefore != "" {
		fmt.Printf("  --- gap (token %s) ---\n", node.GapBefore)
	}
	evt := node.Event
	ts := time.UnixMilli(evt.Timestamp).Format(time.DateTime)
	body := ""
	// Content comes back from the store as raw JSON, so read the body
	// from the raw map instead of the parsed struct.
	if node.Decrypted != nil && node.Decrypted.OK() {
		body, _ = node.Decrypted.Content.Raw["body"].(string)
	} else if evt.Type == event.EventEncrypted {
		body = "<encrypted>"
	} else {
		body, _ = evt.Content.Raw["body"].(string)
	}
	fmt.Printf("%s  %s  %s  %s  %s\n", ts, evt.ID, evt.Type.Type, evt.Sender, body)
	if node.GapAfter != "" {
		fmt.Printf("  --- gap (token %s) ---\n", node.GapAfter)
	}
}

func listOutbox(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("exactly one room ID argument is required")
	}
	msgs, err := getStore(ctx).OutboxMessages(ctx.Context, id.RoomID(ctx.Args().First()))
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		status := "pending"
		if msg.Sent() {
			status = fmt.Sprintf("sent as %s at %s", msg.EventID, msg.SentAt.Format(time.DateTime))
		} else if msg.SendError != "" {
			status = "failed: " + msg.SendError
		}
		fmt.Printf("%s  %s  created %s  %s\n", msg.TransactionID, msg.EventType.Type, msg.CreatedAt.Format(time.DateTime), status)
	}
	if len(msgs) == 0 {
		fmt.Println("Outbox is empty")
	}
	return nil
}
