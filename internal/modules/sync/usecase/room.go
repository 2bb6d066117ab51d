package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	docdomain "flowsync/internal/modules/document/domain"
	"flowsync/internal/modules/sync/domain"
	syncdto "flowsync/internal/modules/sync/dto"
	syncin "flowsync/internal/modules/sync/port/in"
	syncout "flowsync/internal/modules/sync/port/out"
	"flowsync/internal/modules/sync/service"
	apperrors "flowsync/internal/platform/errors"
)

type RoomInteractor struct {
	engine  *service.Engine
	rooms   syncout.RoomLister
	backups syncout.BackupStore
}

// NewRoomInteractor serves one engine's room. rooms and backups may be nil
// when the local store cannot enumerate rooms or keep backups.
func NewRoomInteractor(engine *service.Engine, rooms syncout.RoomLister, backups syncout.BackupStore) syncin.Room {
	return &RoomInteractor{engine: engine, rooms: rooms, backups: backups}
}

func (i *RoomInteractor) Put(ctx context.Context, input syncdto.PutInput) (syncdto.PutOutput, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return syncdto.PutOutput{}, fmt.Errorf("%w: key is required", apperrors.ErrInvalidInput)
	}
	if !json.Valid(input.Value) {
		return syncdto.PutOutput{}, fmt.Errorf("%w: value for %s is not valid JSON", apperrors.ErrInvalidInput, key)
	}
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.PutOutput{}, err
	}
	if err := i.data().Set(key, input.Value); err != nil {
		return syncdto.PutOutput{}, err
	}
	status, err := i.settle(ctx)
	if err != nil {
		return syncdto.PutOutput{}, err
	}
	return syncdto.PutOutput{Key: key, Status: status}, nil
}

func (i *RoomInteractor) Get(ctx context.Context, input syncdto.GetInput) (syncdto.GetOutput, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return syncdto.GetOutput{}, fmt.Errorf("%w: key is required", apperrors.ErrInvalidInput)
	}
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.GetOutput{}, err
	}
	value, ok := i.data().Raw(key)
	if !ok {
		return syncdto.GetOutput{}, fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	return syncdto.GetOutput{Key: key, Value: value}, nil
}

func (i *RoomInteractor) List(ctx context.Context) (syncdto.ListOutput, error) {
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.ListOutput{}, err
	}
	return syncdto.ListOutput{RoomID: i.engine.RoomID(), Entries: i.entries()}, nil
}

func (i *RoomInteractor) Delete(ctx context.Context, input syncdto.DeleteInput) (syncdto.DeleteOutput, error) {
	key := strings.TrimSpace(input.Key)
	if key == "" {
		return syncdto.DeleteOutput{}, fmt.Errorf("%w: key is required", apperrors.ErrInvalidInput)
	}
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.DeleteOutput{}, err
	}
	if _, ok := i.data().Raw(key); !ok {
		return syncdto.DeleteOutput{}, fmt.Errorf("%w: %s", apperrors.ErrNotFound, key)
	}
	if err := i.data().Delete(key); err != nil {
		return syncdto.DeleteOutput{}, err
	}
	status, err := i.settle(ctx)
	if err != nil {
		return syncdto.DeleteOutput{}, err
	}
	return syncdto.DeleteOutput{Key: key, Status: status}, nil
}

func (i *RoomInteractor) Status(ctx context.Context) (syncdto.StatusOutput, error) {
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.StatusOutput{}, err
	}
	return i.status(), nil
}

func (i *RoomInteractor) Rooms(ctx context.Context) (syncdto.RoomsOutput, error) {
	if i.rooms == nil {
		return syncdto.RoomsOutput{Rooms: []string{}}, nil
	}
	rooms, err := i.rooms.Rooms(ctx)
	if err != nil {
		return syncdto.RoomsOutput{}, err
	}
	return syncdto.RoomsOutput{Rooms: rooms}, nil
}

func (i *RoomInteractor) Backups(ctx context.Context) (syncdto.BackupsOutput, error) {
	out := syncdto.BackupsOutput{RoomID: i.engine.RoomID(), Backups: []syncdto.Backup{}}
	if i.backups == nil {
		return out, nil
	}
	backups, err := i.backups.Backups(ctx, i.engine.RoomID())
	if err != nil {
		return syncdto.BackupsOutput{}, err
	}
	for _, backup := range backups {
		out.Backups = append(out.Backups, syncdto.Backup{TakenAt: backup.TakenAt, Size: backup.Size})
	}
	return out, nil
}

func (i *RoomInteractor) Restore(ctx context.Context, input syncdto.RestoreInput) (syncdto.RestoreOutput, error) {
	if input.TakenAt.IsZero() {
		return syncdto.RestoreOutput{}, fmt.Errorf("%w: backup time is required", apperrors.ErrInvalidInput)
	}
	if i.backups == nil {
		return syncdto.RestoreOutput{}, fmt.Errorf("%w: local store keeps no backups", apperrors.ErrInvalidInput)
	}
	raw, err := i.backups.LoadBackup(ctx, i.engine.RoomID(), input.TakenAt)
	if errors.Is(err, domain.ErrBackupNotFound) {
		return syncdto.RestoreOutput{}, fmt.Errorf("%w: %v", apperrors.ErrNotFound, err)
	}
	if err != nil {
		return syncdto.RestoreOutput{}, err
	}
	state, err := docdomain.DecodeState(raw)
	if err != nil {
		return syncdto.RestoreOutput{}, fmt.Errorf("read backup: %w", err)
	}
	if err := i.engine.WaitReady(ctx); err != nil {
		return syncdto.RestoreOutput{}, err
	}
	want := state.RenderMap(service.SeedMap)
	data := i.data()
	err = i.engine.Document().Transact(docdomain.OriginLocal, func() error {
		for _, key := range data.Keys() {
			if _, keep := want[key]; !keep {
				if err := data.Delete(key); err != nil {
					return err
				}
			}
		}
		for key, value := range want {
			if current, ok := data.Raw(key); ok && string(current) == string(value) {
				continue
			}
			if err := data.Set(key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return syncdto.RestoreOutput{}, err
	}
	status, err := i.settle(ctx)
	if err != nil {
		return syncdto.RestoreOutput{}, err
	}
	return syncdto.RestoreOutput{TakenAt: input.TakenAt, Entries: len(want), Status: status}, nil
}

func (i *RoomInteractor) Watch(ctx context.Context) (<-chan syncdto.RoomView, error) {
	out := make(chan syncdto.RoomView, 1)
	signal := make(chan struct{}, 1)
	poke := func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	stopObserving := i.engine.Document().Observe(func(docdomain.Origin) { poke() })
	unsubscribe := i.engine.Subscribe(func(domain.StatusSnapshot) { poke() })
	poke()

	go func() {
		defer close(out)
		defer stopObserving()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
			view := syncdto.RoomView{RoomID: i.engine.RoomID(), Status: i.status(), Entries: i.entries()}
			select {
			case out <- view:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// settle pushes the change when possible. Offline is not an error: the edit
// is already saved locally and stays pending.
func (i *RoomInteractor) settle(ctx context.Context) (syncdto.StatusOutput, error) {
	if err := i.engine.Flush(ctx); err != nil && !errors.Is(err, domain.ErrOffline) {
		return syncdto.StatusOutput{}, err
	}
	return i.status(), nil
}

func (i *RoomInteractor) data() *docdomain.Map {
	return i.engine.Document().Map(service.SeedMap)
}

func (i *RoomInteractor) entries() []syncdto.Entry {
	values := i.data().ToJSON()
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]syncdto.Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, syncdto.Entry{Key: key, Value: values[key]})
	}
	return out
}

func (i *RoomInteractor) status() syncdto.StatusOutput {
	snapshot := i.engine.Status()
	return syncdto.StatusOutput{
		RoomID:       i.engine.RoomID(),
		SessionID:    i.engine.SessionID(),
		Status:       string(snapshot.Status),
		PendingCount: snapshot.PendingCount,
	}
}
