package domain

import (
	"errors"
	"strings"
)

type DestinationKind string

const (
	DestinationBigQuery DestinationKind = "BIGQUERY"
	DestinationPostgres DestinationKind = "POSTGRES"
)

// DestinationConnection holds the warehouse and staging credentials for a
// job's destination. The engine only reads it.
type DestinationConnection struct {
	ID                    string          `json:"id" yaml:"id"`
	Name                  string          `json:"name" yaml:"name"`
	Kind                  DestinationKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	ProjectID             string          `json:"gcpProjectId" yaml:"gcpProjectId"`
	StagingBucket         string          `json:"gcsBucketName" yaml:"gcsBucketName"`
	ServiceAccountKeyJSON string          `json:"serviceAccountKeyJson,omitempty" yaml:"serviceAccountKeyJson,omitempty"`
	HMACAccessKey         string          `json:"gcsHmacAccessKey,omitempty" yaml:"gcsHmacAccessKey,omitempty"`
	HMACSecret            string          `json:"gcsHmacSecret,omitempty" yaml:"gcsHmacSecret,omitempty"`
	StagingEndpoint       string          `json:"stagingEndpoint,omitempty" yaml:"stagingEndpoint,omitempty"`
	StagingRegion         string          `json:"stagingRegion,omitempty" yaml:"stagingRegion,omitempty"`
	StagingInsecure       bool            `json:"stagingInsecure,omitempty" yaml:"stagingInsecure,omitempty"`
	PostgresURL           string          `json:"postgresUrl,omitempty" yaml:"postgresUrl,omitempty"`
}

// EffectiveKind defaults to BigQuery.
func (d DestinationConnection) EffectiveKind() DestinationKind {
	if d.Kind == "" {
		return DestinationBigQuery
	}
	return DestinationKind(strings.ToUpper(string(d.Kind)))
}

// Bucket is the staging bucket name without a scheme prefix.
func (d DestinationConnection) Bucket() string {
	b := strings.TrimSpace(d.StagingBucket)
	for _, prefix := range []string{"gs://", "s3://"} {
		b = strings.TrimPrefix(b, prefix)
	}
	return strings.TrimSuffix(b, "/")
}

// HasHMAC reports whether staging writes go through the S3 interop API.
func (d DestinationConnection) HasHMAC() bool {
	return strings.TrimSpace(d.HMACAccessKey) != "" && strings.TrimSpace(d.HMACSecret) != ""
}

func (d DestinationConnection) Validate() error {
	if d.Bucket() == "" {
		return errors.New("staging bucket is required")
	}
	switch d.EffectiveKind() {
	case DestinationBigQuery:
		if strings.TrimSpace(d.ProjectID) == "" {
			return errors.New("project id is required")
		}
		if strings.TrimSpace(d.ServiceAccountKeyJSON) == "" && !d.HasHMAC() {
			return errors.New("service account key or hmac key pair is required")
		}
	case DestinationPostgres:
		if strings.TrimSpace(d.PostgresURL) == "" {
			return errors.New("postgres url is required")
		}
		if strings.TrimSpace(d.StagingEndpoint) == "" || !d.HasHMAC() {
			return errors.New("postgres destinations need a staging endpoint and access key pair")
		}
	default:
		return errors.New("unknown destination kind " + string(d.Kind))
	}
	return nil
}
