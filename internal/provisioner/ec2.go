package provisioner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// EC2API is the subset of the EC2 client the vm backend uses.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type EC2Config struct {
	SubnetID       string
	SecurityGroups []string
	SaveBucket     string
}

var (
	_ Provisioner  = (*EC2)(nil)
	_ EventDecoder = (*EC2)(nil)
)

// capacityCodes are RunInstances error codes that mean "not now".
var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"InstanceLimitExceeded":        true,
	"VcpuLimitExceeded":            true,
}

// EC2 runs game servers on virtual machines created from launch templates.
type EC2 struct {
	api EC2API
	cfg EC2Config
}

func NewEC2(api EC2API, cfg EC2Config) *EC2 {
	return &EC2{api: api, cfg: cfg}
}

func (v *EC2) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.Spec.LaunchTemplate == "" {
		return "", faults.New(faults.KindUnknownSpec, "launch", req.Spec.Name, "spec has no launch template")
	}
	in := &ec2.RunInstancesInput{
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(req.Spec.LaunchTemplate),
		},
		UserData: aws.String(userData(withBucket(req.Env(), v.cfg.SaveBucket))),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("guild"), Value: aws.String(req.GuildID)},
				{Key: aws.String("server"), Value: aws.String(req.ServerName)},
			},
		}},
	}
	if req.Spec.InstanceType != "" {
		in.InstanceType = ec2types.InstanceType(req.Spec.InstanceType)
	}
	if v.cfg.SubnetID != "" {
		in.SubnetId = aws.String(v.cfg.SubnetID)
	}
	if len(v.cfg.SecurityGroups) > 0 {
		in.SecurityGroupIds = v.cfg.SecurityGroups
	}
	out, err := v.api.RunInstances(ctx, in)
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && capacityCodes[ae.ErrorCode()] {
			return "", &faults.Error{Kind: faults.KindCapacity, Op: "launch", Key: req.Spec.Name, Err: err}
		}
		return "", fmt.Errorf("run instances %s: %w", req.Spec.LaunchTemplate, err)
	}
	if len(out.Instances) == 0 {
		return "", faults.New(faults.KindCapacity, "launch", req.Spec.Name, "no instance started")
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

func (v *EC2) Stop(ctx context.Context, id string) error {
	_, err := v.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	return nil
}

func (v *EC2) Describe(ctx context.Context, id string) (*models.Event, error) {
	inst, err := v.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := &models.Event{InstanceID: id, Timestamp: time.Now().UTC()}
	if inst.State != nil {
		ev.Phase = ec2Phase(string(inst.State.Name))
	} else {
		ev.Phase = models.PhaseProvisioning
	}
	if ev.Phase == models.PhaseRunning {
		ev.Endpoint = aws.ToString(inst.PublicIpAddress)
	}
	return ev, nil
}

func (v *EC2) EventSource() string { return "aws.ec2" }

// DecodeEvent handles "EC2 Instance State-change Notification" events.
func (v *EC2) DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error) {
	if ev.DetailType != "EC2 Instance State-change Notification" {
		return nil, nil
	}
	var detail struct {
		InstanceID string `json:"instance-id"`
		State      string `json:"state"`
	}
	if err := json.Unmarshal(ev.Detail, &detail); err != nil {
		return nil, fmt.Errorf("decode instance state change: %w", err)
	}
	out := &models.Event{
		InstanceID: detail.InstanceID,
		Phase:      ec2Phase(detail.State),
		Timestamp:  ev.Time,
	}
	if out.Phase == models.PhaseRunning {
		inst, err := v.describe(ctx, detail.InstanceID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if inst != nil {
			out.Endpoint = aws.ToString(inst.PublicIpAddress)
		}
	}
	return out, nil
}

func (v *EC2) describe(ctx context.Context, id string) (*ec2types.Instance, error) {
	out, err := v.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidInstanceID.NotFound" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("describe instance %s: %w", id, err)
	}
	for _, r := range out.Reservations {
		if len(r.Instances) > 0 {
			return &r.Instances[0], nil
		}
	}
	return nil, ErrNotFound
}

// ec2Phase maps an instance state name onto a lifecycle phase.
func ec2Phase(state string) models.Phase {
	switch state {
	case "running":
		return models.PhaseRunning
	case "stopping", "shutting-down":
		return models.PhaseStopping
	case "stopped", "terminated":
		return models.PhaseStopped
	default: // pending
		return models.PhaseProvisioning
	}
}

// userData renders the server environment as a cloud-init script.
func userData(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("#!/bin/sh\ncat > /etc/serverbot.env <<'EOF'\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	b.WriteString("EOF\n")
	return base64.StdEncoding.EncodeToString([]byte(b.String()))
}
