package db

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"

	"travelchat/config"
)

// Manager держит подключение к БД; мастер для записи, реплики для чтения
type Manager struct {
	ORM *gorm.DB
}

func dsnFromConfig(dbConf config.DBConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		dbConf.Host, dbConf.Port, dbConf.User, dbConf.Password, dbConf.DBName,
	)
}

// Connect открывает БД по конфигу и выполняет миграции
func Connect(conf *config.ConfigSchema, log *zap.Logger) (*Manager, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gormConf := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		orm *gorm.DB
		err error
	)
	switch conf.Databases.Driver {
	case "postgres":
		orm, err = gorm.Open(postgres.Open(dsnFromConfig(conf.Databases.Master)), gormConf)
		if err != nil {
			return nil, err
		}
		replicas := make([]gorm.Dialector, 0, len(conf.Databases.Replicas))
		for _, r := range conf.Databases.Replicas {
			replicas = append(replicas, postgres.Open(dsnFromConfig(r)))
		}
		if len(replicas) > 0 {
			err = orm.Use(dbresolver.Register(dbresolver.Config{
				Replicas: replicas,
				Policy:   dbresolver.RandomPolicy{},
			}))
			if err != nil {
				return nil, err
			}
		}
	case "sqlite":
		orm, err = OpenSQLite(conf.Databases.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported db driver %q", conf.Databases.Driver)
	}

	if err := Migrate(orm); err != nil {
		return nil, err
	}
	log.Info("database connected",
		zap.String("driver", conf.Databases.Driver),
		zap.Int("replicas", len(conf.Databases.Replicas)))
	return &Manager{ORM: orm}, nil
}

// OpenSQLite открывает SQLite-файл. Одно соединение: SQLite не любит параллельных писателей.
func OpenSQLite(path string) (*gorm.DB, error) {
	orm, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := orm.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return orm, nil
}

// GetReadOnlyDB возвращает подключение для чтения (реплики)
func (m *Manager) GetReadOnlyDB(ctx context.Context) *gorm.DB {
	return m.ORM.WithContext(ctx).Clauses(dbresolver.Read)
}

// GetWriteDB возвращает подключение для записи (мастер)
func (m *Manager) GetWriteDB(ctx context.Context) *gorm.DB {
	return m.ORM.WithContext(ctx).Clauses(dbresolver.Write)
}

// Close закрывает пул соединений
func (m *Manager) Close() error {
	sqlDB, err := m.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
