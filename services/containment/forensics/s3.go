// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package forensics

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianContain/services/containment/config"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
)

const defaultRegion = "us-east-1"

// S3API is the subset of the S3 client the sink needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 (or MinIO) client from config.
//
// Credentials come from the default AWS chain. A custom Endpoint enables
// S3-compatible stores; PathStyle is usually required for those.
func NewS3Client(ctx context.Context, cfg config.S3Config, optFns ...func(*awsconfig.LoadOptions) error) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}, optFns...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// S3Sink uploads packages as JSON records to a bucket.
//
// Object keys are {prefix}/{capture date}/{uuid}.json. The integrity hash
// travels as object metadata so a bucket listing can be cross-checked
// without downloading payloads.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink creates an S3Sink.
func NewS3Sink(client S3API, cfg config.S3Config) (*S3Sink, error) {
	if client == nil {
		return nil, errors.New("s3 client must not be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Ship implements Sink. The location is an s3:// URI.
func (s *S3Sink) Ship(ctx context.Context, snap *snapshot.Snapshot) (string, error) {
	if snap == nil {
		return "", errors.New("snapshot must not be nil")
	}
	body, err := json.Marshal(snap.Record())
	if err != nil {
		return "", fmt.Errorf("encode snapshot record: %w", err)
	}
	day := time.Unix(0, int64(snap.TimestampNs())).UTC().Format("2006-01-02")
	key := path.Join(s.prefix, day, uuid.NewString()+".json")

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"integrity-hash":      hex.EncodeToString(snap.IntegrityHash()),
			"hashing-protocol-id": strconv.Itoa(int(snap.HashingProtocolID())),
			"capture-version":     strconv.Itoa(int(snap.CaptureVersion())),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
