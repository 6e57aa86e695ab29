package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/vango-dev/collabsync/internal/errors"
	"github.com/vango-dev/collabsync/pkg/client"
	"github.com/vango-dev/collabsync/pkg/protocol"
)

const shellHelp = `Commands:
  set <field> <json>    propose a field value, e.g. set amount 700
  lock <field>          take the edit lock on a field
  unlock <field>        release it
  cursor <line> <col>   publish your cursor position
  values                print the current field values
  who                   list online collaborators
  status                print the connection status
  help                  show this help
  quit                  leave and exit`

// shell executes the line commands of connect against one resource.
type shell struct {
	client   *client.Client
	resource string
	out      io.Writer
}

// exec runs one command line. It reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true, nil

	case "help":
		fmt.Fprintln(s.out, shellHelp)

	case "set":
		if len(args) < 2 {
			return false, usage("set <field> <json>")
		}
		raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[len(cmd):]), args[0]))
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// Bare words are taken as strings.
			value = raw
		}
		change, err := s.client.ProposeChange(ctx, s.resource, args[0], value)
		if err != nil {
			return false, request(err)
		}
		fmt.Fprintf(s.out, "proposed %s = %v (%s)\n", args[0], value, change.ID)

	case "lock", "unlock":
		if len(args) != 1 {
			return false, usage(cmd + " <field>")
		}
		if cmd == "lock" {
			err = s.client.LockField(ctx, s.resource, args[0])
		} else {
			err = s.client.UnlockField(ctx, s.resource, args[0])
		}
		if err != nil {
			return false, request(err)
		}
		fmt.Fprintf(s.out, "%sed %s\n", cmd, args[0])

	case "cursor":
		if len(args) != 2 {
			return false, usage("cursor <line> <col>")
		}
		ln, err1 := strconv.Atoi(args[0])
		col, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return false, usage("cursor <line> <col>")
		}
		if err := s.client.UpdateCursor(ctx, s.resource, protocol.Cursor{Line: ln, Column: col}); err != nil {
			return false, request(err)
		}

	case "values":
		session, ok := s.client.Session(s.resource)
		if !ok {
			return false, request(client.ErrNotJoined)
		}
		values := session.Values()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(s.out, "%s = %v\n", k, values[k])
		}

	case "who":
		for _, rec := range s.client.GetPresence() {
			where := rec.CurrentResourceID
			if rec.Cursor != nil {
				where = fmt.Sprintf("%s %d:%d", where, rec.Cursor.Line, rec.Cursor.Column)
			}
			fmt.Fprintf(s.out, "%s (%s) %s\n", rec.UserID, rec.DisplayName, where)
		}

	case "status":
		st := s.client.GetConnectionStatus()
		fmt.Fprintf(s.out, "%s queued=%d attempt=%d connections=%d\n",
			st.State, st.Queued, st.ReconnectAttempt, st.Connections)

	default:
		return false, errors.New("E201").WithDetailf("%q is not a command", cmd)
	}
	return false, nil
}

func usage(form string) error {
	return errors.New("E202").WithDetail("Usage: " + form)
}

func request(err error) error {
	return errors.New("E302").Wrap(err)
}
