package relay

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

type room struct {
	name    string
	members []*Session // join order
	history []string   // broadcast order, replayed to joiners
}

// Registry serializes every mutation and read of the room map through one
// event loop. Handlers never touch another session's state directly; they
// send events and, for join, wait on the reply channel.
type Registry struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	cfg    Config
	logger *slog.Logger
}

func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, cfg.EventBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Registry) Events() chan<- Event {
	return r.events
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	rooms := make(map[string]*room)

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			eventType := ""

			switch ev.Type {
			case EventJoin:
				eventType = "join"
				r.handleJoin(rooms, ev)
			case EventLeave:
				eventType = "leave"
				r.handleLeave(rooms, ev)
			case EventBroadcast:
				eventType = "broadcast"
				r.handleBroadcast(rooms, ev)
			case EventCreateRoom:
				eventType = "create_room"
				r.handleCreateRoom(rooms, ev)
			case EventFetchRooms:
				eventType = "fetch_rooms"
				r.handleFetchRooms(rooms, ev)
			case EventHistory:
				eventType = "history"
				r.handleHistory(rooms, ev)
			}

			ConnectedSessions.Set(float64(memberCount(rooms)))
			ActiveRooms.Set(float64(len(rooms)))
			MessagesTotal.WithLabelValues(eventType).Inc()
			EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

// handleJoin registers a session into its target room. Eviction of the
// username's previous session, room creation, the presence broadcast, the
// room list, and the history replay all happen inside this one event, so a
// joiner can neither miss nor duplicate a broadcast racing the join.
func (r *Registry) handleJoin(rooms map[string]*room, ev Event) {
	defer func() {
		if ev.ReplyChan != nil {
			close(ev.ReplyChan)
		}
	}()

	username := strings.TrimSpace(ev.Username)
	roomName := strings.TrimSpace(ev.Room)
	if username == "" {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- ErrEmptyUsername
		}
		return
	}
	if roomName == "" {
		if ev.ReplyChan != nil {
			ev.ReplyChan <- ErrEmptyRoom
		}
		return
	}

	// A username occupies at most one session across all rooms.
	r.evictUser(rooms, username)

	rm, ok := rooms[roomName]
	if !ok {
		rm = &room{name: roomName}
		rooms[roomName] = rm
		r.logger.Info("room created", "room", roomName)
	}

	ev.Session.Username = username
	ev.Session.Room = roomName
	rm.members = append(rm.members, ev.Session)

	r.logger.Info("session joined", "session", ev.Session.ID, "username", username, "room", roomName)

	r.broadcastPresence(rm)
	sendLine(ev.Session, roomListLine(rooms))
	for _, line := range rm.history {
		sendLine(ev.Session, line)
	}

	if ev.ReplyChan != nil {
		ev.ReplyChan <- nil
	}
}

// evictUser removes any existing session carrying the username from
// whatever room it occupies, notifying that room, and closes the stale
// session so its handler unwinds.
func (r *Registry) evictUser(rooms map[string]*room, username string) {
	for name, rm := range rooms {
		for _, m := range rm.members {
			if m.Username != username {
				continue
			}
			removeMember(rm, m.ID)
			r.broadcastToRoom(rooms, rm, username+" has left the room.")
			r.broadcastPresence(rm)
			closeSession(m)
			if len(rm.members) == 0 {
				delete(rooms, name)
				r.logger.Info("room removed", "room", name)
			}
			r.logger.Info("previous session evicted", "session", m.ID, "username", username, "room", name)
			return
		}
	}
}

func (r *Registry) handleLeave(rooms map[string]*room, ev Event) {
	s := ev.Session
	if s == nil {
		return
	}
	rm, ok := rooms[s.Room]
	if !ok || !removeMember(rm, s.ID) {
		// Already evicted; its channel is closed, nothing to do.
		return
	}
	closeSession(s)
	r.logger.Info("session left", "session", s.ID, "username", s.Username, "room", s.Room)

	if len(rm.members) == 0 {
		delete(rooms, rm.name)
		r.logger.Info("room removed", "room", rm.name)
		return
	}
	r.broadcastPresence(rm)
}

func (r *Registry) handleBroadcast(rooms map[string]*room, ev Event) {
	if ev.Session == nil || ev.Session.Username == "" {
		return
	}
	rm, ok := rooms[ev.Session.Room]
	if !ok {
		r.logger.Debug("broadcast to unknown room dropped", "room", ev.Session.Room)
		return
	}
	line := strings.TrimRight(ev.Text, "\r\n")
	if line == "" {
		return
	}
	r.broadcastToRoom(rooms, rm, line)
}

// broadcastToRoom appends the line to the room's history and fans it out to
// every current member. A member whose outbound buffer is full is evicted
// rather than stalling or aborting the pass.
func (r *Registry) broadcastToRoom(rooms map[string]*room, rm *room, line string) {
	rm.history = append(rm.history, line)
	if limit := r.cfg.HistoryLimit; limit > 0 && len(rm.history) > limit {
		rm.history = rm.history[len(rm.history)-limit:]
	}

	var stalled []*Session
	for _, m := range rm.members {
		if !sendLine(m, line) {
			stalled = append(stalled, m)
		}
	}
	if len(stalled) == 0 {
		return
	}
	for _, m := range stalled {
		r.logger.Warn("evicting stalled session", "session", m.ID, "username", m.Username, "room", rm.name)
		removeMember(rm, m.ID)
		closeSession(m)
	}
	if len(rm.members) == 0 {
		delete(rooms, rm.name)
		r.logger.Info("room removed", "room", rm.name)
		return
	}
	r.broadcastPresence(rm)
}

func (r *Registry) broadcastPresence(rm *room) {
	line := presenceLine(rm)
	for _, m := range rm.members {
		sendLine(m, line)
	}
}

func (r *Registry) handleCreateRoom(rooms map[string]*room, ev Event) {
	name := strings.TrimSpace(ev.Room)
	if name == "" {
		return
	}
	if _, ok := rooms[name]; !ok {
		// Explicitly created rooms persist, empty, until their
		// first-and-last member leaves.
		rooms[name] = &room{name: name}
		r.logger.Info("room created", "room", name)
	}
	if ev.Session != nil {
		sendLine(ev.Session, roomListLine(rooms))
	}
}

func (r *Registry) handleFetchRooms(rooms map[string]*room, ev Event) {
	if ev.Session == nil {
		return
	}
	sendLine(ev.Session, roomListLine(rooms))
}

func (r *Registry) handleHistory(rooms map[string]*room, ev Event) {
	if ev.Session == nil {
		return
	}
	rm, ok := rooms[ev.Session.Room]
	if !ok {
		return
	}
	for _, line := range rm.history {
		sendLine(ev.Session, line)
	}
}

func presenceLine(rm *room) string {
	names := lo.Map(rm.members, func(s *Session, _ int) string { return s.Username })
	return "Active users in " + rm.name + ": " + strings.Join(names, ", ")
}

func roomListLine(rooms map[string]*room) string {
	names := lo.Keys(rooms)
	sort.Strings(names)
	return "Available rooms: " + strings.Join(names, ", ")
}

func removeMember(rm *room, id string) bool {
	for i, m := range rm.members {
		if m.ID == id {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			return true
		}
	}
	return false
}

func memberCount(rooms map[string]*room) int {
	total := 0
	for _, rm := range rooms {
		total += len(rm.members)
	}
	return total
}

func closeSession(s *Session) {
	// Closing Out stops the writer goroutine gracefully; closing the
	// connection unblocks the session's reader.
	close(s.Out)
	if s.Conn != nil {
		_ = s.Conn.Close()
	}
}

func sendLine(s *Session, line string) bool {
	// Non-blocking send keeps a slow peer from stalling the registry loop.
	select {
	case s.Out <- line:
		return true
	default:
		return false
	}
}
