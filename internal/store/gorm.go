package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Node is one persisted leaf of the realtime tree.
type Node struct {
	Path      string `gorm:"column:path;primaryKey;size:768;not null"`
	ValueJSON string `gorm:"column:value_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "store_nodes"
}

// GormPersister stores tree leaves as rows keyed by full path.
type GormPersister struct {
	db *gorm.DB
}

// NewGormPersister binds a persister to an open gorm handle. The schema is migrated by the database package.
func NewGormPersister(db *gorm.DB) (*GormPersister, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormPersister{db: db}, nil
}

// Load reads every stored leaf.
func (p *GormPersister) Load(ctx context.Context) ([]Leaf, error) {
	var nodes []Node
	if err := p.db.WithContext(ctx).Order("path ASC").Find(&nodes).Error; err != nil {
		return nil, err
	}
	leaves := make([]Leaf, 0, len(nodes))
	for _, node := range nodes {
		var value any
		if err := json.Unmarshal([]byte(node.ValueJSON), &value); err != nil {
			return nil, err
		}
		leaves = append(leaves, Leaf{Path: node.Path, Value: value})
	}
	return leaves, nil
}

// Apply rewrites the affected subtrees inside one transaction.
func (p *GormPersister) Apply(ctx context.Context, changes []Change) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range changes {
			segments := strings.Split(c.Path, "/")
			ancestors := make([]string, 0, len(segments))
			for index := 1; index < len(segments); index++ {
				ancestors = append(ancestors, strings.Join(segments[:index], "/"))
			}
			if len(ancestors) > 0 {
				if err := tx.Where("path IN ?", ancestors).Delete(&Node{}).Error; err != nil {
					return err
				}
			}
			// An exact prefix match stays independent of collation and LIKE case folding.
			prefix := c.Path + "/"
			if err := tx.Where("path = ? OR substr(path, 1, ?) = ?", c.Path, utf8.RuneCountInString(prefix), prefix).
				Delete(&Node{}).Error; err != nil {
				return err
			}

			leaves := flatten(segments, c.Value)
			if len(leaves) == 0 {
				continue
			}
			nodes := make([]Node, 0, len(leaves))
			for _, leaf := range leaves {
				raw, err := json.Marshal(leaf.value)
				if err != nil {
					return err
				}
				nodes = append(nodes, Node{Path: leaf.path, ValueJSON: string(raw)})
			}
			if err := tx.Create(&nodes).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
