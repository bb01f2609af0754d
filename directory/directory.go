// Package directory holds the durable user records and the friend graph. It
// is the only component with persisted state: every mutation writes the full
// directory snapshot through to the configured store.
package directory

import (
	"errors"
	"sort"
	"strings"

	"cartserver/models"

	"go.uber.org/zap"
)

// Store persists the directory as a whole snapshot.
type Store interface {
	Load() ([]models.User, error)
	Save(users []models.User) error
}

type Directory struct {
	logger *zap.Logger
	store  Store
	users  map[string]*models.User
	byCode map[string]string // lowercased friend code -> user id
}

func New(store Store, logger *zap.Logger) (*Directory, error) {
	d := &Directory{
		logger: logger,
		store:  store,
		users:  make(map[string]*models.User),
		byCode: make(map[string]string),
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	for i := range loaded {
		user := loaded[i]
		d.users[user.ID] = &user
		d.byCode[strings.ToLower(user.FriendCode)] = user.ID
	}
	if len(loaded) > 0 {
		logger.Info("User directory loaded", zap.Int("users", len(loaded)))
	}
	return d, nil
}

// Upsert is an idempotent identity claim: it creates the user on first
// authentication and refreshes name, code and avatar on every later one.
func (d *Directory) Upsert(id, name, code, avatar string) (*models.User, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	code = strings.TrimSpace(code)
	if id == "" || name == "" || code == "" {
		return nil, errors.New("User id, name and friend code are required")
	}

	user, ok := d.users[id]
	var prev models.User
	if !ok {
		user = &models.User{ID: id}
		d.users[id] = user
	} else {
		prev = *user
		if !strings.EqualFold(user.FriendCode, code) {
			delete(d.byCode, strings.ToLower(user.FriendCode))
		}
	}
	user.Name = name
	user.FriendCode = code
	user.Avatar = avatar
	d.byCode[strings.ToLower(code)] = id

	if err := d.save(); err != nil {
		// Roll the mutation back so a later unrelated save cannot persist it.
		if !ok {
			delete(d.users, id)
			delete(d.byCode, strings.ToLower(code))
		} else {
			if !strings.EqualFold(prev.FriendCode, code) {
				delete(d.byCode, strings.ToLower(code))
			}
			*user = prev
			d.byCode[strings.ToLower(prev.FriendCode)] = id
		}
		return nil, err
	}
	return user, nil
}

// Get returns the user record for id.
func (d *Directory) Get(id string) (*models.User, bool) {
	user, ok := d.users[id]
	return user, ok
}

// LookupByCode resolves a friend code, case-insensitively.
func (d *Directory) LookupByCode(code string) (*models.User, bool) {
	id, ok := d.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return nil, false
	}
	user, ok := d.users[id]
	return user, ok
}

// AddFriendshipByCode inserts the symmetric friendship between actor and the
// holder of code. Idempotent; fails when the code is unknown or the actor's
// own.
func (d *Directory) AddFriendshipByCode(actorID, code string) (*models.User, error) {
	actor, ok := d.users[actorID]
	if !ok {
		return nil, errors.New("Unknown user")
	}
	friend, ok := d.LookupByCode(code)
	if !ok {
		return nil, errors.New("Friend code not found")
	}
	if friend.ID == actorID {
		return nil, errors.New("Cannot add yourself as a friend")
	}

	actorLen, friendLen := len(actor.Friends), len(friend.Friends)
	changed := false
	if !actor.HasFriend(friend.ID) {
		actor.Friends = append(actor.Friends, friend.ID)
		changed = true
	}
	if !friend.HasFriend(actorID) {
		friend.Friends = append(friend.Friends, actorID)
		changed = true
	}
	if changed {
		if err := d.save(); err != nil {
			// Roll the edge back; it must not ride along on a later save.
			actor.Friends = actor.Friends[:actorLen]
			friend.Friends = friend.Friends[:friendLen]
			return nil, err
		}
	}
	return friend, nil
}

// Friends returns the friend records of id, skipping dangling edges.
func (d *Directory) Friends(id string) []*models.User {
	user, ok := d.users[id]
	if !ok {
		return nil
	}
	out := make([]*models.User, 0, len(user.Friends))
	for _, fid := range user.Friends {
		if friend, ok := d.users[fid]; ok {
			out = append(out, friend)
		}
	}
	return out
}

// Count is the number of directory records.
func (d *Directory) Count() int {
	return len(d.users)
}

func (d *Directory) save() error {
	snapshot := make([]models.User, 0, len(d.users))
	for _, user := range d.users {
		snapshot = append(snapshot, *user)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	if err := d.store.Save(snapshot); err != nil {
		d.logger.Error("Failed to persist user directory", zap.Error(err))
		return errors.New("Could not save user directory")
	}
	return nil
}
