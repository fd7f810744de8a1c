package user

import (
	"context"
	"pair_chat/internal/model"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	MemoryRepo struct {
		mu     sync.RWMutex
		byID   map[primitive.ObjectID]*model.User
		byName map[string]primitive.ObjectID
	}
)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:   make(map[primitive.ObjectID]*model.User),
		byName: make(map[string]primitive.ObjectID),
	}
}

func (r *MemoryRepo) GetByName(_ context.Context, name string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	u := *r.byID[id]
	return &u, nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[oid]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (r *MemoryRepo) Create(_ context.Context, user *model.User) (primitive.ObjectID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[user.Name]; ok {
		return primitive.NilObjectID, ErrUserExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	user.ID = primitive.NewObjectID()
	stored := *user
	r.byID[user.ID] = &stored
	r.byName[user.Name] = user.ID
	return user.ID, nil
}

func (r *MemoryRepo) Search(_ context.Context, query, excludeID string, limit int) ([]*model.User, error) {
	q := strings.ToLower(query)

	r.mu.RLock()
	var res []*model.User
	for _, u := range r.byID {
		if u.ID.Hex() == excludeID || !strings.Contains(strings.ToLower(u.Name), q) {
			continue
		}
		out := *u
		out.PasswordHash = nil
		res = append(res, &out)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}
