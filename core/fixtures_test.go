package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var (
	alice = ParticipantCreateInput{Code: "ABC123", DisplayName: "Alice", GroupCode: "G1", PIN: "1234"}
	bob   = ParticipantCreateInput{Code: "XYZ789", DisplayName: "Bob", GroupCode: "G1", PIN: "1234"}
	carol = ParticipantCreateInput{Code: "CAR001", DisplayName: "Carol", GroupCode: "G2", PIN: "1234"}

	groupOne = Group{Code: "G1", Name: "Group One"}
	groupTwo = Group{Code: "G2", Name: "Group Two"}
)

type BaseFixture struct {
	ctx      context.Context
	db       *SQLiteDB
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a private in-memory database with the migrations applied.
func NewBaseFixture(t *testing.T) *BaseFixture {

	ctx, cancel := context.WithCancel(context.Background())

	db, err := NewSQLiteDB(uuid.NewString(), "../migrations", &SQLiteDBOption{
		Mode:        "memory",
		Cache:       "shared",
		ForeignKeys: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

type ChatFixture struct {
	*BaseFixture
	identities *SQLiteIdentityStore
	rooms      *SQLiteRoomDirectory
	messages   *SQLiteMessageStore
}

func NewChatFixture(t *testing.T) *ChatFixture {
	base := NewBaseFixture(t)
	return &ChatFixture{
		BaseFixture: base,
		identities:  NewSQLiteIdentityStore(base.db.DB),
		rooms:       NewSQLiteRoomDirectory(base.db.DB),
		messages:    NewSQLiteMessageStore(base.db.DB),
	}
}

// seed creates the groups and participants and returns the participants' identities.
func (f *ChatFixture) seed(inputs ...ParticipantCreateInput) []Identity {
	for _, g := range []Group{groupOne, groupTwo} {
		require.NoError(f.t, f.identities.CreateGroup(f.ctx, g))
	}
	identities := make([]Identity, 0, len(inputs))
	for _, in := range inputs {
		id, err := f.identities.CreateParticipant(f.ctx, in)
		require.NoError(f.t, err)
		identities = append(identities, *id)
	}
	return identities
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeConn records the frames sent to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []map[string]interface{}
	fail   error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string {
	return c.id
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	c.frames = append(c.frames, decoded)
	return nil
}

// ofType returns the received frames of the given type.
func (c *fakeConn) ofType(eventType string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var frames []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == eventType {
			frames = append(frames, f)
		}
	}
	return frames
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
