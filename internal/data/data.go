package data

import (
	"context"
	"fmt"
	"log"

	"apiragfs/internal/conf"
	"apiragfs/internal/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Data 结构体持有所有数据库句柄
type Data struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Minio  *minio.Client
	Bucket string
}

func NewData(cfg *conf.Config) (*Data, func(), error) {
	// 1. 连接 Postgres
	pgDB, err := gorm.Open(postgres.Open(cfg.Data.DatabaseSource), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %v", err)
	}

	// 自动迁移，GORM 自动建表或补字段
	if err := pgDB.AutoMigrate(
		&model.User{},
		&model.RagStore{},
		&model.Document{},
		&model.ChatSession{},
		&model.Message{},
	); err != nil {
		return nil, nil, fmt.Errorf("schema migration failed: %v", err)
	}
	log.Println("✅ 数据库表结构迁移完成")

	// 2. 初始化 Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Data.RedisAddr,
		Password: cfg.Data.RedisPassword,
	})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, nil, fmt.Errorf("redis 连接失败: %v", err)
	}
	log.Println("✅ Redis 连接成功")

	// 3. 初始化 MinIO
	minioClient, err := minio.New(cfg.Data.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Data.MinioAccessKey, cfg.Data.MinioSecretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("minio 初始化失败: %v", err)
	}

	bucketName := cfg.Data.MinioBucket
	exists, err := minioClient.BucketExists(context.Background(), bucketName)
	if err != nil {
		return nil, nil, fmt.Errorf("检查 MinIO Bucket 失败: %v", err)
	}
	if !exists {
		if err := minioClient.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, nil, fmt.Errorf("创建 MinIO Bucket 失败: %v", err)
		}
		log.Printf("🎉 MinIO Bucket '%s' 创建成功", bucketName)
	} else {
		log.Printf("✅ MinIO 连接成功 (Bucket '%s' 已存在)", bucketName)
	}

	d := &Data{
		DB:     pgDB,
		Redis:  rdb,
		Minio:  minioClient,
		Bucket: bucketName,
	}

	cleanup := func() {
		log.Println("正在关闭数据层资源...")
		if sqlDB, err := d.DB.DB(); err == nil {
			sqlDB.Close()
		}
		d.Redis.Close()
	}

	return d, cleanup, nil
}
