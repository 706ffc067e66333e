package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type fakeCloudWatch struct {
	points map[string][]cwtypes.Datapoint
	calls  []*cloudwatch.GetMetricStatisticsInput
}

func (f *fakeCloudWatch) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.calls = append(f.calls, in)
	key := aws.ToString(in.MetricName) + "/" + aws.ToString(in.Dimensions[0].Value)
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: f.points[key]}, nil
}

type fakeEC2 struct {
	filter []ec2types.Filter
	ids    []string
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.filter = in.Filters
	out := &ec2.DescribeVolumesOutput{}
	for _, id := range f.ids {
		out.Volumes = append(out.Volumes, ec2types.Volume{VolumeId: aws.String(id)})
	}
	return out, nil
}

func point(ts time.Time, avg float64) cwtypes.Datapoint {
	return cwtypes.Datapoint{Timestamp: aws.Time(ts), Average: aws.Float64(avg)}
}

func TestEC2Host(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cw := &fakeCloudWatch{points: map[string][]cwtypes.Datapoint{
		"CPUCreditBalance/i-123": {point(now.Add(-9*time.Minute), 20), point(now.Add(-4*time.Minute), 75)},
		"BurstBalance/vol-a":     {point(now.Add(-4*time.Minute), 90)},
		"BurstBalance/vol-b":     {point(now.Add(-4*time.Minute), 60)},
	}}
	ec := &fakeEC2{ids: []string{"vol-a", "vol-b"}}
	lookups := 0
	h := NewEC2HostWithAPI(cw, ec, func(context.Context) (string, error) {
		lookups++
		return "i-123", nil
	})
	h.now = func() time.Time { return now }

	credits, err := h.CPUCredits(context.Background())
	if err != nil || credits != 75 {
		t.Fatalf("CPUCredits = %v, %v; want the newest datapoint", credits, err)
	}
	if ns := aws.ToString(cw.calls[0].Namespace); ns != "AWS/EC2" {
		t.Errorf("unexpected namespace %q", ns)
	}

	burst, err := h.IOBurstBalance(context.Background())
	if err != nil || burst != 60 {
		t.Fatalf("IOBurstBalance = %v, %v; want the lowest volume", burst, err)
	}
	if aws.ToString(ec.filter[0].Name) != "attachment.instance-id" || ec.filter[0].Values[0] != "i-123" {
		t.Errorf("unexpected volume filter %+v", ec.filter)
	}
	if lookups != 1 {
		t.Errorf("instance id should be cached, looked up %d times", lookups)
	}
}

func TestEC2HostNoDatapoints(t *testing.T) {
	h := NewEC2HostWithAPI(&fakeCloudWatch{}, &fakeEC2{}, func(context.Context) (string, error) { return "i-1", nil })
	if _, err := h.CPUCredits(context.Background()); !errors.Is(err, ErrNoDatapoints) {
		t.Errorf("expected ErrNoDatapoints, got %v", err)
	}
	if _, err := h.IOBurstBalance(context.Background()); err == nil {
		t.Error("expected an error without attached volumes")
	}
}
