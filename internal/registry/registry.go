package registry

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wafflehacks/wafflemaker/internal/wferrors"
)

// Registry is the narrow contract the reconciliation engine talks to
// (spec §6). It is satisfied by *Store (postgres, via gorm) and by test
// fakes.
type Registry interface {
	LastCommit(ctx context.Context) (string, error)
	RecordDeployment(ctx context.Context, commit string, changes []Change) error

	UpsertService(ctx context.Context, svc Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	ListServices(ctx context.Context) ([]Service, error)
	DeleteService(ctx context.Context, id string) error

	GetContainer(ctx context.Context, serviceID string) (*Container, error)
	ListContainers(ctx context.Context) ([]Container, error)

	ListLeasesForService(ctx context.Context, serviceID string) ([]Lease, error)
	ListAllLeases(ctx context.Context) ([]Lease, error)
	TrackLease(ctx context.Context, lease Lease) error
	UntrackLease(ctx context.Context, serviceID, leaseID string) error
	UpdateLeaseExpiration(ctx context.Context, leaseID string, expiration time.Time) error

	// CommitReconcile atomically replaces a service's Container row and
	// swaps its Lease set, per spec §4.7 step 9 (Commit).
	CommitReconcile(ctx context.Context, container Container, newLeases []Lease, retiredLeaseIDs []string) error

	// CommitDelete atomically removes a service's Container, Service, and
	// Lease rows, per spec §3's invariant that a service's secret/lease
	// footprint disappears with it.
	CommitDelete(ctx context.Context, serviceID string) error
}

// Store is the gorm/postgres-backed Registry implementation.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and runs the schema migration.
func Open(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Deployment{}, &Change{}, &Service{}, &Container{}, &Lease{}); err != nil {
		return nil, wferrors.Wrap(wferrors.KindFatal, "migrate registry schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) LastCommit(ctx context.Context) (string, error) {
	var d Deployment
	err := s.db.WithContext(ctx).Order("created_at DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wferrors.Wrap(wferrors.KindUpstream, "load last commit", err)
	}
	return d.Commit, nil
}

func (s *Store) RecordDeployment(ctx context.Context, commit string, changes []Change) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d := Deployment{Commit: commit, CreatedAt: time.Now()}
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		for i := range changes {
			changes[i].Commit = commit
		}
		if len(changes) > 0 {
			if err := tx.Create(&changes).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) UpsertService(ctx context.Context, svc Service) error {
	svc.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Save(&svc).Error
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "upsert service", err)
	}
	return nil
}

func (s *Store) GetService(ctx context.Context, id string) (*Service, error) {
	var svc Service
	err := s.db.WithContext(ctx).First(&svc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wferrors.New(wferrors.KindNotFound, "service "+id+" not found")
	}
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "get service", err)
	}
	return &svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]Service, error) {
	var svcs []Service
	if err := s.db.WithContext(ctx).Order("id").Find(&svcs).Error; err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "list services", err)
	}
	return svcs, nil
}

func (s *Store) DeleteService(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&Service{}, "id = ?", id).Error
}

func (s *Store) GetContainer(ctx context.Context, serviceID string) (*Container, error) {
	var c Container
	err := s.db.WithContext(ctx).First(&c, "service_id = ?", serviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wferrors.New(wferrors.KindNotFound, "container for "+serviceID+" not found")
	}
	if err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "get container", err)
	}
	return &c, nil
}

func (s *Store) ListContainers(ctx context.Context) ([]Container, error) {
	var containers []Container
	if err := s.db.WithContext(ctx).Find(&containers).Error; err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "list containers", err)
	}
	return containers, nil
}

func (s *Store) ListLeasesForService(ctx context.Context, serviceID string) ([]Lease, error) {
	var leases []Lease
	if err := s.db.WithContext(ctx).Find(&leases, "service_id = ?", serviceID).Error; err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "list leases", err)
	}
	return leases, nil
}

func (s *Store) ListAllLeases(ctx context.Context) ([]Lease, error) {
	var leases []Lease
	if err := s.db.WithContext(ctx).Find(&leases).Error; err != nil {
		return nil, wferrors.Wrap(wferrors.KindUpstream, "list all leases", err)
	}
	return leases, nil
}

// TrackLease inserts a Lease row. It rejects leases for a service that
// does not exist, per spec §4.5's TrackLease contract; the invariant is
// enforced with a foreign-key-shaped existence check rather than an
// actual FK constraint, so the error can be classified precisely.
func (s *Store) TrackLease(ctx context.Context, lease Lease) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Service{}).Where("id = ?", lease.ServiceID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return wferrors.New(wferrors.KindNotFound, "cannot track lease for unknown service "+lease.ServiceID)
		}
		return tx.Create(&lease).Error
	})
}

func (s *Store) UntrackLease(ctx context.Context, serviceID, leaseID string) error {
	err := s.db.WithContext(ctx).Delete(&Lease{}, "service_id = ? AND id = ?", serviceID, leaseID).Error
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "untrack lease", err)
	}
	return nil
}

func (s *Store) UpdateLeaseExpiration(ctx context.Context, leaseID string, expiration time.Time) error {
	err := s.db.WithContext(ctx).Model(&Lease{}).Where("id = ?", leaseID).Update("expiration", expiration).Error
	if err != nil {
		return wferrors.Wrap(wferrors.KindUpstream, "update lease expiration", err)
	}
	return nil
}

func (s *Store) CommitReconcile(ctx context.Context, container Container, newLeases []Lease, retiredLeaseIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		container.UpdatedAt = time.Now()
		if err := tx.Save(&container).Error; err != nil {
			return err
		}
		if len(newLeases) > 0 {
			if err := tx.Create(&newLeases).Error; err != nil {
				return err
			}
		}
		if len(retiredLeaseIDs) > 0 {
			if err := tx.Delete(&Lease{}, "id IN ?", retiredLeaseIDs).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CommitDelete(ctx context.Context, serviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Lease{}, "service_id = ?", serviceID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Container{}, "service_id = ?", serviceID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Service{}, "id = ?", serviceID).Error; err != nil {
			return err
		}
		return nil
	})
}
