package service

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	appconfig "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
)

// URLSigner issues time-limited download URLs for stored objects.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type R2Signer struct {
	presign *s3.PresignClient
	bucket  string
}

// NewR2Signer builds an S3 client against the account's Cloudflare R2
// endpoint.
func NewR2Signer(ctx context.Context, cfg appconfig.R2) (*R2Signer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
	})
	return &R2Signer{presign: s3.NewPresignClient(client), bucket: cfg.BucketName}, nil
}

func (s *R2Signer) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

type MediaService interface {
	// Owned returns the user's assets in the order of ids, or
	// ErrMediaNotFound if any id is missing or foreign.
	Owned(ctx context.Context, userID int64, ids []int64) ([]*models.MediaAsset, error)
	// ForPost resolves a post's media, in display order, into URLs a
	// platform can fetch.
	ForPost(ctx context.Context, postID int64) ([]platform.Media, error)
}

type mediaService struct {
	assets    repository.MediaAssetRepository
	publicURL string
	signer    URLSigner
	ttl       time.Duration
}

func NewMediaService(assets repository.MediaAssetRepository, publicURL string, signer URLSigner, ttl time.Duration) MediaService {
	return &mediaService{
		assets:    assets,
		publicURL: strings.TrimRight(publicURL, "/"),
		signer:    signer,
		ttl:       ttl,
	}
}

func (s *mediaService) Owned(ctx context.Context, userID int64, ids []int64) ([]*models.MediaAsset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.assets.ListOwned(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("list media assets: %w", err)
	}
	byID := make(map[int64]*models.MediaAsset, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	out := make([]*models.MediaAsset, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrMediaNotFound, id)
		}
		if _, err := mediaKind(a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *mediaService) ForPost(ctx context.Context, postID int64) ([]platform.Media, error) {
	assets, err := s.assets.ListByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("list media of post %d: %w", postID, err)
	}
	out := make([]platform.Media, 0, len(assets))
	for _, a := range assets {
		mime, err := mediaKind(a)
		if err != nil {
			return nil, err
		}
		u, err := s.url(ctx, a)
		if err != nil {
			return nil, err
		}
		m := platform.Media{URL: u, MIMEType: mime.Value, Kind: platform.MediaImage}
		if mime.Type == "video" {
			m.Kind = platform.MediaVideo
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *mediaService) url(ctx context.Context, a *models.MediaAsset) (string, error) {
	if a.FileURL != "" {
		return a.FileURL, nil
	}
	if s.publicURL != "" {
		return s.publicURL + "/" + url.PathEscape(a.FileName), nil
	}
	if s.signer == nil {
		return "", fmt.Errorf("no url for media asset %d", a.ID)
	}
	return s.signer.PresignGet(ctx, a.FileName, s.ttl)
}

// mediaKind trusts the stored MIME type when it is one filetype knows and
// falls back to the file extension otherwise.
func mediaKind(a *models.MediaAsset) (types.MIME, error) {
	mime := types.NewMIME(a.FileType)
	if a.FileType == "" || !filetype.IsMIMESupported(a.FileType) {
		t := filetype.GetType(strings.TrimPrefix(path.Ext(a.FileName), "."))
		if t == types.Unknown {
			return types.MIME{}, platform.Errorf(platform.KindContentRejected, "unsupported media type for asset %d", a.ID)
		}
		mime = t.MIME
	}
	if mime.Type != "image" && mime.Type != "video" {
		return types.MIME{}, platform.Errorf(platform.KindContentRejected, "media type %s is not an image or video", mime.Value)
	}
	return mime, nil
}
