package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"ledgerstore/internal/models"
	"ledgerstore/internal/protocol"
	"ledgerstore/internal/storage"
)

// dispatch routes one decrypted request. It never returns an error;
// every failure maps to a response code so the worker can always
// answer, and the server process never dies with a request.
func (s *Server) dispatch(ctx context.Context, user *models.UserProfile, verb string, args []string) string {
	switch verb {
	case protocol.VerbGet:
		if len(args) != 2 {
			return protocol.StatusNotFound
		}
		return s.handleGet(ctx, user, args[0], args[1])
	case protocol.VerbQuery:
		if len(args) != 6 {
			return protocol.StatusNotFound
		}
		return s.handleQuery(ctx, user, args)
	case protocol.VerbPut:
		if len(args) < 2 {
			return protocol.StatusNotFound
		}
		// A JSON payload may itself contain the delimiter token.
		return s.handlePut(ctx, user, args[0], strings.Join(args[1:], protocol.Delimiter))
	case protocol.VerbRemove:
		if len(args) != 2 {
			return protocol.StatusNotFound
		}
		return s.handleRemove(ctx, user, args[0], args[1])
	case protocol.VerbSize:
		if len(args) != 1 {
			return protocol.StatusNotFound
		}
		return s.handleSize(ctx, user, args[0])
	case protocol.VerbLock:
		if len(args) != 2 {
			return protocol.StatusNotFound
		}
		return s.handleLock(ctx, user, args[0], args[1])
	case protocol.VerbRelease:
		if len(args) != 2 {
			return protocol.StatusNotFound
		}
		return s.handleRelease(ctx, user, args[0], args[1])
	case protocol.VerbReadJournal:
		if len(args) != 1 {
			return protocol.StatusNotFound
		}
		return s.handleReadJournal(ctx, user, args[0])
	default:
		s.log.Warn("unknown verb", zap.String("user", user.Username), zap.String("verb", verb))
		return protocol.StatusNotFound
	}
}

// authorize checks a right and writes the audit trail for both
// outcomes. Authorization is checked before existence so that a denied
// caller learns nothing about what is stored.
func (s *Server) authorize(user *models.UserProfile, verb, typeName, id string, action models.Action) bool {
	if !user.HasRight(typeName, action) {
		s.log.Warn("access denied",
			zap.String("user", user.Username),
			zap.String("verb", verb),
			zap.String("type", typeName),
			zap.String("id", id),
		)
		return false
	}
	s.log.Info("access allowed",
		zap.String("user", user.Username),
		zap.String("verb", verb),
		zap.String("type", typeName),
		zap.String("id", id),
	)
	return true
}

// acquireReadLock is the explicit form of GET's lock-on-read side
// effect: fetching a record reserves it for the requester unless
// someone else already holds it.
func (s *Server) acquireReadLock(ctx context.Context, username, typeName, id string) (storage.LockStatus, error) {
	return s.backend.CreateLock(ctx, typeName, id, username)
}

func (s *Server) handleGet(ctx context.Context, user *models.UserProfile, typeName, id string) string {
	if !s.authorize(user, protocol.VerbGet, typeName, id, models.ActionGet) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}

	if id == protocol.AllRecords {
		docs, err := s.backend.GetAll(ctx, typeName)
		if err != nil {
			s.log.Error("get all", zap.String("type", typeName), zap.Error(err))
			return protocol.StatusUnavailable
		}
		return jsonArray(docs)
	}

	status, err := s.acquireReadLock(ctx, user.Username, typeName, id)
	if err != nil {
		s.log.Error("acquire read lock", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}

	doc, err := s.backend.Get(ctx, typeName, id)
	if errors.Is(err, storage.ErrNotFound) {
		if status == storage.LockAcquired {
			_ = s.backend.RemoveLock(ctx, typeName, id)
		}
		return protocol.StatusNotFound
	}
	if err != nil {
		s.log.Error("get", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}

	if status == storage.LockDenied {
		// Informational only: the record is still returned.
		flagged, err := s.markLocked(typeName, doc)
		if err != nil {
			s.log.Error("flag locked record", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
			return protocol.StatusUnavailable
		}
		doc = flagged
	}
	return string(doc)
}

func (s *Server) handleQuery(ctx context.Context, user *models.UserProfile, args []string) string {
	typeName := args[0]
	if !s.authorize(user, protocol.VerbQuery, typeName, "", models.ActionGet) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}

	keys := splitList(args[1])
	ops := splitList(args[2])
	values := splitList(args[3])
	conjunctions := splitList(args[4])
	lockAll := args[5] == "true"

	docs, err := s.backend.GetWhere(ctx, typeName, keys, ops, values, conjunctions)
	if err != nil {
		s.log.Error("query", zap.String("type", typeName), zap.Error(err))
		return protocol.StatusUnavailable
	}

	out := make([][]byte, 0, len(docs))
	for _, doc := range docs {
		rec, err := s.registry.Decode(typeName, doc)
		if err != nil {
			s.log.Error("decode query result", zap.String("type", typeName), zap.Error(err))
			return protocol.StatusUnavailable
		}
		lockedByOther, err := s.backend.IsLockedForUser(ctx, user.Username, typeName, rec.ID())
		if err != nil {
			s.log.Error("query lock check", zap.String("type", typeName), zap.Error(err))
			return protocol.StatusUnavailable
		}
		switch {
		case lockedByOther:
			flagged, err := s.markLocked(typeName, doc)
			if err != nil {
				s.log.Error("flag locked record", zap.String("type", typeName), zap.Error(err))
				return protocol.StatusUnavailable
			}
			doc = flagged
		case lockAll:
			if _, err := s.backend.CreateLock(ctx, typeName, rec.ID(), user.Username); err != nil {
				s.log.Error("query lock", zap.String("type", typeName), zap.Error(err))
				return protocol.StatusUnavailable
			}
		}
		out = append(out, doc)
	}
	return jsonArray(out)
}

func (s *Server) handlePut(ctx context.Context, user *models.UserProfile, typeName, payload string) string {
	if !s.authorize(user, protocol.VerbPut, typeName, "", models.ActionPut) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}

	rec, err := s.registry.Decode(typeName, []byte(payload))
	if err != nil || rec.ID() == "" {
		s.log.Warn("rejected malformed record",
			zap.String("user", user.Username),
			zap.String("type", typeName),
			zap.Error(err),
		)
		return protocol.StatusUnavailable
	}

	ok, err := s.backend.Persist(ctx, user.Username, typeName, rec.ID(), []byte(payload))
	if err != nil {
		s.log.Error("persist", zap.String("type", typeName), zap.String("id", rec.ID()), zap.Error(err))
		return protocol.StatusUnavailable
	}
	if !ok {
		s.log.Info("put rejected by lock",
			zap.String("user", user.Username),
			zap.String("type", typeName),
			zap.String("id", rec.ID()),
		)
		return protocol.StatusRejected
	}

	changeID, err := s.journal.RecordChange(ctx, typeName, rec.ID())
	if err != nil {
		s.log.Error("record change", zap.String("type", typeName), zap.String("id", rec.ID()), zap.Error(err))
		return protocol.StatusUnavailable
	}
	return strconv.FormatInt(changeID, 10)
}

func (s *Server) handleRemove(ctx context.Context, user *models.UserProfile, typeName, id string) string {
	if !s.authorize(user, protocol.VerbRemove, typeName, id, models.ActionRemove) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}

	holder, err := s.backend.LockHolder(ctx, typeName, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && holder != user.Username) {
		s.log.Info("remove rejected, caller does not hold lock",
			zap.String("user", user.Username),
			zap.String("type", typeName),
			zap.String("id", id),
		)
		return protocol.StatusRejected
	}
	if err != nil {
		s.log.Error("lock holder", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}

	if err := s.backend.Remove(ctx, typeName, id); err != nil {
		s.log.Error("remove", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}
	if err := s.backend.RemoveLock(ctx, typeName, id); err != nil {
		s.log.Error("remove lock", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}
	return protocol.StatusOK
}

func (s *Server) handleSize(ctx context.Context, user *models.UserProfile, typeName string) string {
	if !s.authorize(user, protocol.VerbSize, typeName, "", models.ActionGet) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}
	n, err := s.backend.Count(ctx, typeName)
	if err != nil {
		s.log.Error("count", zap.String("type", typeName), zap.Error(err))
		return protocol.StatusUnavailable
	}
	return strconv.FormatInt(n, 10)
}

func (s *Server) handleLock(ctx context.Context, user *models.UserProfile, typeName, id string) string {
	if !s.authorize(user, protocol.VerbLock, typeName, id, models.ActionGet) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}
	status, err := s.backend.CreateLock(ctx, typeName, id, user.Username)
	if err != nil {
		s.log.Error("lock", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}
	switch status {
	case storage.LockAcquired:
		return protocol.StatusOK
	case storage.LockAlreadyHeld:
		return protocol.StatusLockHeld
	default:
		return protocol.StatusRejected
	}
}

func (s *Server) handleRelease(ctx context.Context, user *models.UserProfile, typeName, id string) string {
	if !s.authorize(user, protocol.VerbRelease, typeName, id, models.ActionGet) {
		return protocol.StatusUnauthorized
	}
	if !s.registry.Known(typeName) {
		return protocol.StatusNotFound
	}

	holder, err := s.backend.LockHolder(ctx, typeName, id)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.StatusOK
	}
	if err != nil {
		s.log.Error("lock holder", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}
	if holder != user.Username {
		return protocol.StatusRejected
	}
	if err := s.backend.RemoveLock(ctx, typeName, id); err != nil {
		s.log.Error("release", zap.String("type", typeName), zap.String("id", id), zap.Error(err))
		return protocol.StatusUnavailable
	}
	return protocol.StatusOK
}

func (s *Server) handleReadJournal(ctx context.Context, user *models.UserProfile, arg string) string {
	if arg == protocol.JournalSize {
		return strconv.FormatInt(s.journal.LatestChangeID(), 10)
	}
	since, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return protocol.StatusNotFound
	}
	changes, err := s.journal.ChangesSince(ctx, since)
	if err != nil {
		s.log.Error("read journal", zap.Int64("since", since), zap.Error(err))
		return protocol.StatusUnavailable
	}
	if changes == nil {
		changes = []models.ChangeRecord{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		s.log.Error("encode journal", zap.Error(err))
		return protocol.StatusUnavailable
	}
	return string(data)
}

// markLocked sets the transient locked flag on a stored document.
func (s *Server) markLocked(typeName string, doc []byte) ([]byte, error) {
	rec, err := s.registry.Decode(typeName, doc)
	if err != nil {
		return nil, err
	}
	rec.SetLocked(true)
	return json.Marshal(rec)
}

func jsonArray(docs [][]byte) string {
	parts := make([]string, len(docs))
	for i, d := range docs {
		parts[i] = string(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, protocol.ListSeparator)
}
