package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

var ErrNoDatapoints = errors.New("no recent datapoints")

// HostBudget reports the burst balances of the host the scheduler runs on
type HostBudget interface {
	CPUCredits(ctx context.Context) (float64, error)
	// IOBurstBalance is the lowest burst balance percentage of the attached volumes
	IOBurstBalance(ctx context.Context) (float64, error)
}

// CloudWatchAPI is the part of the CloudWatch client used here
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// EC2API is the part of the EC2 client used here
type EC2API interface {
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// InstanceIDFunc returns the id of the running instance
type InstanceIDFunc func(ctx context.Context) (string, error)

// EC2Host reads burst balances of the current EC2 instance from CloudWatch
type EC2Host struct {
	cw         CloudWatchAPI
	ec2        EC2API
	instanceID InstanceIDFunc

	mu sync.Mutex
	id string

	now func() time.Time
}

// NewEC2Host creates a HostBudget from an AWS configuration, resolving the instance through IMDS
func NewEC2Host(cfg aws.Config) *EC2Host {
	meta := imds.NewFromConfig(cfg)
	return NewEC2HostWithAPI(cloudwatch.NewFromConfig(cfg), ec2.NewFromConfig(cfg), func(ctx context.Context) (string, error) {
		doc, err := meta.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
		if err != nil {
			return "", fmt.Errorf("failed to read instance identity: %w", err)
		}
		return doc.InstanceID, nil
	})
}

// NewEC2HostWithAPI creates a HostBudget from existing clients
func NewEC2HostWithAPI(cw CloudWatchAPI, ec EC2API, instanceID InstanceIDFunc) *EC2Host {
	return &EC2Host{cw: cw, ec2: ec, instanceID: instanceID, now: time.Now}
}

func (h *EC2Host) instance(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.id != "" {
		return h.id, nil
	}
	id, err := h.instanceID(ctx)
	if err != nil {
		return "", err
	}
	h.id = id
	return id, nil
}

func (h *EC2Host) CPUCredits(ctx context.Context) (float64, error) {
	id, err := h.instance(ctx)
	if err != nil {
		return 0, err
	}
	return h.latest(ctx, "AWS/EC2", "CPUCreditBalance", "InstanceId", id)
}

func (h *EC2Host) IOBurstBalance(ctx context.Context) (float64, error) {
	id, err := h.instance(ctx)
	if err != nil {
		return 0, err
	}
	out, err := h.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("attachment.instance-id"),
			Values: []string{id},
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to describe volumes: %w", err)
	}
	if len(out.Volumes) == 0 {
		return 0, fmt.Errorf("no volumes attached to %s", id)
	}

	lowest := 100.0
	for _, vol := range out.Volumes {
		v, err := h.latest(ctx, "AWS/EBS", "BurstBalance", "VolumeId", aws.ToString(vol.VolumeId))
		if err != nil {
			return 0, err
		}
		if v < lowest {
			lowest = v
		}
	}
	return lowest, nil
}

// latest returns the most recent five minute average of a metric
func (h *EC2Host) latest(ctx context.Context, namespace, metric, dimension, value string) (float64, error) {
	end := h.now()
	out, err := h.cw.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(namespace),
		MetricName: aws.String(metric),
		Dimensions: []cwtypes.Dimension{{Name: aws.String(dimension), Value: aws.String(value)}},
		StartTime:  aws.Time(end.Add(-10 * time.Minute)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(300),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", metric, err)
	}
	var (
		newest time.Time
		avg    float64
		found  bool
	)
	for _, dp := range out.Datapoints {
		ts := aws.ToTime(dp.Timestamp)
		if !found || ts.After(newest) {
			newest, avg, found = ts, aws.ToFloat64(dp.Average), true
		}
	}
	if !found {
		return 0, fmt.Errorf("%s %s: %w", metric, value, ErrNoDatapoints)
	}
	return avg, nil
}
