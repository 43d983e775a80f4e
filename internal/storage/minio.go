package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"ai-screener-go/internal/config"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var minioTracer = otel.Tracer("ai-screener-go/storage/minio")

var (
	// ErrInvalidResumePath resume_path 不是 s3/minio 对象地址
	ErrInvalidResumePath = errors.New("不支持的简历路径")
	// ErrResumeTooLarge 对象超过配置的大小上限
	ErrResumeTooLarge = errors.New("简历文件超过大小上限")
)

// ResumeSource 按 resume_path 读取简历文本
type ResumeSource interface {
	ReadResume(ctx context.Context, resumePath string) (string, error)
}

// 确保MinIO实现了ResumeSource接口
var _ ResumeSource = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client        *minio.Client
	cfg           *config.MinIOConfig
	defaultBucket string
	log           zerolog.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	m := &MinIO{
		client:        client,
		cfg:           cfg,
		defaultBucket: cfg.ResumeBucket,
		log:           logger.Named("minio"),
	}
	m.log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.ResumeBucket).Msg("MinIO客户端初始化成功")
	return m, nil
}

// ParseResumePath 解析 s3://bucket/key、minio://bucket/key 或裸 key
func ParseResumePath(resumePath, defaultBucket string) (bucket, key string, err error) {
	resumePath = strings.TrimSpace(resumePath)
	if resumePath == "" {
		return "", "", fmt.Errorf("%w: 路径为空", ErrInvalidResumePath)
	}

	if !strings.Contains(resumePath, "://") {
		if defaultBucket == "" {
			return "", "", fmt.Errorf("%w: 未配置默认存储桶: %s", ErrInvalidResumePath, resumePath)
		}
		return defaultBucket, strings.TrimPrefix(resumePath, "/"), nil
	}

	u, err := url.Parse(resumePath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidResumePath, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "s3", "minio":
	default:
		return "", "", fmt.Errorf("%w: 不支持的协议 %q", ErrInvalidResumePath, u.Scheme)
	}

	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: 缺少存储桶或对象名: %s", ErrInvalidResumePath, resumePath)
	}
	return u.Host, key, nil
}

// ReadResume 读取简历文本对象
func (m *MinIO) ReadResume(ctx context.Context, resumePath string) (text string, err error) {
	bucket, key, err := ParseResumePath(resumePath, m.defaultBucket)
	if err != nil {
		return "", err
	}

	ctx, span := minioTracer.Start(ctx, "MinIO.ReadResume",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("object_storage.bucket", bucket),
			attribute.String("object_storage.key", tracing.TruncateString(key, tracing.DefaultMaxLength)),
		))
	defer func() {
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeStorage)
		}
		span.End()
	}()

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("获取对象 %s/%s 失败: %w", bucket, key, err)
	}
	defer obj.Close()

	limit := m.cfg.MaxObjectBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(obj, limit+1))
	if err != nil {
		return "", fmt.Errorf("读取对象 %s/%s 数据失败: %w", bucket, key, err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("%w: %s/%s", ErrResumeTooLarge, bucket, key)
	}

	span.SetAttributes(attribute.Int("object_storage.size_bytes", len(data)))
	m.log.Debug().Str("bucket", bucket).Str("key", key).Int("bytes", len(data)).Msg("已读取简历")
	return string(data), nil
}

// Ping 检查默认存储桶是否可访问
func (m *MinIO) Ping(ctx context.Context) error {
	if m.defaultBucket == "" {
		return nil
	}
	ok, err := m.client.BucketExists(ctx, m.defaultBucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("存储桶 %s 不存在", m.defaultBucket)
	}
	return nil
}
