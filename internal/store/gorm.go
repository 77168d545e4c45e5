package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)

// GormStore is a Store backed by a SQL database through gorm.
type GormStore struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema.
// Supported drivers are "sqlite" and "mysql".
func Open(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	if driver == "mysql" {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&ExitNode{}, &Site{}, &Resource{}, &Target{},
		&ExitNodeOrg{}, &RemoteExitNode{}, &Newt{}, &Certificate{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (g *GormStore) GetExitNode(ctx context.Context, id int) (*ExitNode, error) {
	var n ExitNode
	if err := g.db.WithContext(ctx).First(&n, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (g *GormStore) GetExitNodeByPublicKey(ctx context.Context, publicKey string) (*ExitNode, error) {
	var n ExitNode
	if err := g.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (g *GormStore) GetExitNodeByName(ctx context.Context, name string) (*ExitNode, error) {
	var n ExitNode
	if err := g.db.WithContext(ctx).Where("name = ?", name).Order("id").First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (g *GormStore) ListExitNodes(ctx context.Context) ([]ExitNode, error) {
	var out []ExitNode
	err := g.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) CreateExitNode(ctx context.Context, node *ExitNode) error {
	return g.db.WithContext(ctx).Create(node).Error
}

func (g *GormStore) UpdateExitNode(ctx context.Context, node *ExitNode) error {
	res := g.db.WithContext(ctx).Model(&ExitNode{ID: node.ID}).Select("*").Updates(node)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) GetSite(ctx context.Context, id int) (*Site, error) {
	var s Site
	if err := g.db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (g *GormStore) ListSites(ctx context.Context) ([]Site, error) {
	var out []Site
	err := g.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) ListSitesByExitNode(ctx context.Context, exitNodeID int) ([]Site, error) {
	var out []Site
	err := g.db.WithContext(ctx).Where("exit_node_id = ?", exitNodeID).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) CreateSite(ctx context.Context, site *Site) error {
	return g.db.WithContext(ctx).Create(site).Error
}

func (g *GormStore) UpdateSite(ctx context.Context, site *Site) error {
	res := g.db.WithContext(ctx).Model(&Site{ID: site.ID}).Select("*").Updates(site)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) GetResource(ctx context.Context, id int) (*Resource, error) {
	var r Resource
	if err := g.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (g *GormStore) ListResources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	err := g.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) CreateResource(ctx context.Context, res *Resource) error {
	return g.db.WithContext(ctx).Create(res).Error
}

func (g *GormStore) ListTargetsBySite(ctx context.Context, siteID int) ([]Target, error) {
	var out []Target
	err := g.db.WithContext(ctx).Where("site_id = ?", siteID).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) ListTargetsByResource(ctx context.Context, resourceID int) ([]Target, error) {
	var out []Target
	err := g.db.WithContext(ctx).Where("resource_id = ?", resourceID).Order("id").Find(&out).Error
	return out, err
}

func (g *GormStore) CreateTarget(ctx context.Context, target *Target) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Target
		if err := tx.Where("site_id = ?", target.SiteID).Find(&existing).Error; err != nil {
			return err
		}
		if err := checkTarget(existing, target); err != nil {
			return err
		}
		return tx.Create(target).Error
	})
}

func (g *GormStore) ExitNodeOrgAllowed(ctx context.Context, exitNodeID int, orgID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&ExitNodeOrg{}).
		Where("exit_node_id = ? AND org_id = ?", exitNodeID, orgID).
		Count(&count).Error
	return count > 0, err
}

func (g *GormStore) AddExitNodeOrg(ctx context.Context, exitNodeID int, orgID string) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ExitNodeOrg{ExitNodeID: exitNodeID, OrgID: orgID}).Error
}

func (g *GormStore) GetRemoteExitNode(ctx context.Context, id string) (*RemoteExitNode, error) {
	var n RemoteExitNode
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (g *GormStore) CreateRemoteExitNode(ctx context.Context, node *RemoteExitNode) error {
	return g.db.WithContext(ctx).Create(node).Error
}

func (g *GormStore) GetNewt(ctx context.Context, id string) (*Newt, error) {
	var n Newt
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (g *GormStore) CreateNewt(ctx context.Context, newt *Newt) error {
	return g.db.WithContext(ctx).Create(newt).Error
}

func (g *GormStore) ListValidCertificates(ctx context.Context, domains []string) ([]Certificate, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	var out []Certificate
	err := g.db.WithContext(ctx).
		Where("domain IN ? AND status = ?", domains, CertificateValid).
		Order("domain").Find(&out).Error
	return out, err
}

func (g *GormStore) UpsertCertificate(ctx context.Context, cert *Certificate) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"cert_pem", "key_pem", "status", "expires_at", "updated_at"}),
	}).Create(cert).Error
}
