package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("GetOrCreateDirect_IsNewThenExisting", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		c1, isNew, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob"})
		if err != nil {
			t.Fatalf("first get-or-create: %v", err)
		}
		if !isNew {
			t.Fatalf("first call isNew: got=false want=true")
		}
		if c1.GroupType != GroupIndividual {
			t.Fatalf("group type: got=%q want=%q", c1.GroupType, GroupIndividual)
		}

		// Reversed pair resolves to the same conversation.
		c2, isNew, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "bob", PeerID: "alice"})
		if err != nil {
			t.Fatalf("second get-or-create: %v", err)
		}
		if isNew {
			t.Fatalf("second call isNew: got=true want=false")
		}
		if c2.ID != c1.ID {
			t.Fatalf("conversation id: got=%s want=%s", c2.ID, c1.ID)
		}
		if len(c2.ParticipantIDs) != 2 {
			t.Fatalf("participants: got=%v", c2.ParticipantIDs)
		}
	})

	t.Run("GetOrCreateDirect_Validation", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		for _, in := range []DirectInput{
			{UserID: "alice"},
			{PeerID: "bob"},
			{UserID: "alice", PeerID: " alice "},
		} {
			if _, _, err := st.GetOrCreateDirect(ctx, in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("input %+v: got=%v want=%v", in, err, ErrInvalidInput)
			}
		}
	})

	t.Run("GetOrCreateDirect_ConcurrentCallersShareOneConversation", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		const callers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			seen   = make(map[string]struct{})
			fresh  int
			errsMu sync.Mutex
			errs   []error
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				in := DirectInput{UserID: "carol", PeerID: "dave"}
				if i%2 == 1 {
					in = DirectInput{UserID: "dave", PeerID: "carol"}
				}
				c, isNew, err := st.GetOrCreateDirect(ctx, in)
				if err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return
				}
				mu.Lock()
				seen[c.ID] = struct{}{}
				if isNew {
					fresh++
				}
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		if len(errs) > 0 {
			t.Fatalf("errors: %v", errs)
		}
		if len(seen) != 1 {
			t.Fatalf("distinct conversations: got=%d want=1", len(seen))
		}
		if fresh != 1 {
			t.Fatalf("isNew count: got=%d want=1", fresh)
		}
	})

	t.Run("IsParticipant", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		c, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob"})
		if err != nil {
			t.Fatalf("get-or-create: %v", err)
		}

		tests := []struct {
			conv, user string
			want       bool
		}{
			{c.ID, "alice", true},
			{c.ID, "bob", true},
			{c.ID, "mallory", false},
			{"no-such-conversation", "alice", false},
			{"", "alice", false},
		}
		for _, tt := range tests {
			got, err := st.IsParticipant(ctx, tt.conv, tt.user)
			if err != nil {
				t.Fatalf("is participant(%q,%q): %v", tt.conv, tt.user, err)
			}
			if got != tt.want {
				t.Fatalf("is participant(%q,%q): got=%v want=%v", tt.conv, tt.user, got, tt.want)
			}
		}
	})

	t.Run("CreateGroup_IncludesAdminAndDedupes", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		g, err := st.CreateGroup(ctx, CreateGroupInput{
			AdminID:        "alice",
			Name:           " Book club ",
			ParticipantIDs: []string{"bob", "alice", "bob", " ", "carol"},
		})
		if err != nil {
			t.Fatalf("create group: %v", err)
		}
		if g.GroupType != GroupGroup || g.AdminID != "alice" || g.Name != "Book club" {
			t.Fatalf("group: got=%+v", g)
		}
		if len(g.ParticipantIDs) != 3 {
			t.Fatalf("participants: got=%v want 3", g.ParticipantIDs)
		}

		got, err := st.GetConversation(ctx, g.ID)
		if err != nil {
			t.Fatalf("get conversation: %v", err)
		}
		if len(got.ParticipantIDs) != 3 {
			t.Fatalf("stored participants: got=%v", got.ParticipantIDs)
		}

		if _, err := st.CreateGroup(ctx, CreateGroupInput{AdminID: "alice", ParticipantIDs: []string{"alice"}}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("solo group: got=%v want=%v", err, ErrInvalidInput)
		}
	})

	t.Run("GetConversation_NotFound", func(t *testing.T) {
		st := newStore(t)
		if _, err := st.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got=%v want=%v", err, ErrNotFound)
		}
	})

	t.Run("AppendMessage_RejectsNonParticipant", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		c, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob"})
		if err != nil {
			t.Fatalf("get-or-create: %v", err)
		}
		_, err = st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "mallory", Content: "hi"})
		if !errors.Is(err, ErrNotParticipant) {
			t.Fatalf("got=%v want=%v", err, ErrNotParticipant)
		}

		page, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page.Messages) != 0 {
			t.Fatalf("messages after rejected append: got=%d want=0", len(page.Messages))
		}
	})

	t.Run("AppendMessage_AssignsIDAndDefaultsType", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		c, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob"})
		if err != nil {
			t.Fatalf("get-or-create: %v", err)
		}
		m, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "alice", Content: "hi"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if m.ID == "" || m.CreatedAt.IsZero() {
			t.Fatalf("store-assigned fields missing: %+v", m)
		}
		if m.MessageType != MessageText {
			t.Fatalf("message type: got=%q want=%q", m.MessageType, MessageText)
		}

		if _, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "alice", MessageType: "video"}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("bad type: got=%v want=%v", err, ErrInvalidInput)
		}
	})

	t.Run("ListMessages_NewestWindowAscending", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		c, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob"})
		if err != nil {
			t.Fatalf("get-or-create: %v", err)
		}

		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		var want []string
		for i := 0; i < 5; i++ {
			m, err := st.AppendMessage(ctx, AppendMessageInput{
				ConversationID: c.ID,
				SenderID:       "alice",
				Content:        fmt.Sprintf("m%d", i),
				Now:            base.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			want = append(want, m.ID)
		}
		// Same timestamp as m4: insertion order breaks the tie.
		m5, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: c.ID, SenderID: "bob", Content: "m5", Now: base.Add(4 * time.Second)})
		if err != nil {
			t.Fatalf("append tie: %v", err)
		}
		want = append(want, m5.ID)

		tests := []struct {
			name        string
			limit       int
			offset      int
			wantIDs     []string
			wantHasMore bool
			wantLimit   int
		}{
			{name: "default limit", limit: 0, offset: 0, wantIDs: want, wantHasMore: false, wantLimit: DefaultPageLimit},
			{name: "newest two", limit: 2, offset: 0, wantIDs: want[4:6], wantHasMore: true, wantLimit: 2},
			{name: "older page", limit: 2, offset: 2, wantIDs: want[2:4], wantHasMore: true, wantLimit: 2},
			{name: "partial tail", limit: 4, offset: 4, wantIDs: want[0:2], wantHasMore: false, wantLimit: 4},
			{name: "past end", limit: 3, offset: 10, wantIDs: nil, wantHasMore: false, wantLimit: 3},
			{name: "exact fit reports full", limit: 6, offset: 0, wantIDs: want, wantHasMore: true, wantLimit: 6},
		}
		for _, tt := range tests {
			page, err := st.ListMessages(ctx, ListMessagesInput{ConversationID: c.ID, Limit: tt.limit, Offset: tt.offset})
			if err != nil {
				t.Fatalf("%s: list: %v", tt.name, err)
			}
			var got []string
			for _, m := range page.Messages {
				got = append(got, m.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.wantIDs) {
				t.Fatalf("%s: ids got=%v want=%v", tt.name, got, tt.wantIDs)
			}
			if page.HasMore != tt.wantHasMore {
				t.Fatalf("%s: hasMore got=%v want=%v", tt.name, page.HasMore, tt.wantHasMore)
			}
			if page.Limit != tt.wantLimit {
				t.Fatalf("%s: limit got=%d want=%d", tt.name, page.Limit, tt.wantLimit)
			}
		}
	})

	t.Run("ListForUser_ParticipantsAndLastMessage", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		older, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "alice", PeerID: "bob", Now: base})
		if err != nil {
			t.Fatalf("direct: %v", err)
		}
		newer, err := st.CreateGroup(ctx, CreateGroupInput{AdminID: "carol", ParticipantIDs: []string{"alice"}, Now: base.Add(time.Minute)})
		if err != nil {
			t.Fatalf("group: %v", err)
		}
		if _, _, err := st.GetOrCreateDirect(ctx, DirectInput{UserID: "bob", PeerID: "carol", Now: base}); err != nil {
			t.Fatalf("unrelated direct: %v", err)
		}

		// A message in the older conversation makes it the most recent activity.
		last, err := st.AppendMessage(ctx, AppendMessageInput{ConversationID: older.ID, SenderID: "bob", Content: "ping", Now: base.Add(time.Hour)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		list, err := st.ListForUser(ctx, "alice")
		if err != nil {
			t.Fatalf("list for user: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("conversations: got=%d want=2", len(list))
		}
		if list[0].Conversation.ID != older.ID || list[1].Conversation.ID != newer.ID {
			t.Fatalf("order: got=[%s %s] want=[%s %s]", list[0].Conversation.ID, list[1].Conversation.ID, older.ID, newer.ID)
		}
		if list[0].LastMessage == nil || list[0].LastMessage.ID != last.ID {
			t.Fatalf("last message: got=%+v want id %s", list[0].LastMessage, last.ID)
		}
		if list[1].LastMessage != nil {
			t.Fatalf("group last message: got=%+v want nil", list[1].LastMessage)
		}
		if len(list[1].Conversation.ParticipantIDs) != 2 {
			t.Fatalf("group participants: got=%v", list[1].Conversation.ParticipantIDs)
		}
	})
}
