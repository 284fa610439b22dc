package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// ECSAPI is the subset of the ECS client the container backend uses.
type ECSAPI interface {
	RunTask(ctx context.Context, in *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	StopTask(ctx context.Context, in *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	DescribeTasks(ctx context.Context, in *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// ENIAPI resolves the public address of a task's network interface.
type ENIAPI interface {
	DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
}

type ECSConfig struct {
	Cluster        string
	Subnets        []string
	SecurityGroups []string
	// SaveBucket is exported to tasks as SERVERBOT_SAVE_BUCKET.
	SaveBucket string
}

var (
	_ Provisioner  = (*ECS)(nil)
	_ EventDecoder = (*ECS)(nil)
)

// ECS runs game servers as Fargate tasks.
type ECS struct {
	api ECSAPI
	eni ENIAPI
	cfg ECSConfig
}

func NewECS(api ECSAPI, eni ENIAPI, cfg ECSConfig) *ECS {
	return &ECS{api: api, eni: eni, cfg: cfg}
}

func (e *ECS) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if req.Spec.TaskFamily == "" {
		return "", faults.New(faults.KindUnknownSpec, "launch", req.Spec.Name, "spec has no task family")
	}
	out, err := e.api.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(e.cfg.Cluster),
		TaskDefinition: aws.String(req.Spec.TaskFamily),
		Count:          aws.Int32(1),
		LaunchType:     ecstypes.LaunchTypeFargate,
		StartedBy:      aws.String("serverbot"),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        e.cfg.Subnets,
				SecurityGroups: e.cfg.SecurityGroups,
				AssignPublicIp: ecstypes.AssignPublicIpEnabled,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(req.Spec.Name),
				Environment: ecsEnv(withBucket(req.Env(), e.cfg.SaveBucket)),
			}},
		},
		Tags: []ecstypes.Tag{
			{Key: aws.String("guild"), Value: aws.String(req.GuildID)},
			{Key: aws.String("server"), Value: aws.String(req.ServerName)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("run task %s: %w", req.Spec.TaskFamily, err)
	}
	if len(out.Failures) > 0 || len(out.Tasks) == 0 {
		reason := "no task placed"
		if len(out.Failures) > 0 {
			reason = aws.ToString(out.Failures[0].Reason)
		}
		return "", faults.New(faults.KindCapacity, "launch", req.Spec.Name, reason)
	}
	return aws.ToString(out.Tasks[0].TaskArn), nil
}

func (e *ECS) Stop(ctx context.Context, id string) error {
	_, err := e.api.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(e.cfg.Cluster),
		Task:    aws.String(id),
		Reason:  aws.String("stopped by serverbot"),
	})
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "InvalidParameterException" &&
		strings.Contains(strings.ToLower(ae.ErrorMessage()), "not found") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop task %s: %w", id, err)
	}
	return nil
}

func (e *ECS) Describe(ctx context.Context, id string) (*models.Event, error) {
	out, err := e.api.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(e.cfg.Cluster),
		Tasks:   []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("describe task %s: %w", id, err)
	}
	if len(out.Tasks) == 0 {
		return nil, ErrNotFound
	}
	t := out.Tasks[0]
	detail := taskChange{
		TaskArn:    aws.ToString(t.TaskArn),
		LastStatus: aws.ToString(t.LastStatus),
		StopCode:   string(t.StopCode),
		Reason:     aws.ToString(t.StoppedReason),
	}
	for _, a := range t.Attachments {
		att := taskAttachment{Type: aws.ToString(a.Type)}
		for _, d := range a.Details {
			att.Details = append(att.Details, nameValue{Name: aws.ToString(d.Name), Value: aws.ToString(d.Value)})
		}
		detail.Attachments = append(detail.Attachments, att)
	}
	return e.toEvent(ctx, detail, time.Now().UTC())
}

func (e *ECS) EventSource() string { return "aws.ecs" }

// DecodeEvent handles "ECS Task State Change" notifications.
func (e *ECS) DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error) {
	if ev.DetailType != "ECS Task State Change" {
		return nil, nil
	}
	var detail taskChange
	if err := json.Unmarshal(ev.Detail, &detail); err != nil {
		return nil, fmt.Errorf("decode task change: %w", err)
	}
	ts := ev.Time
	if detail.UpdatedAt != nil {
		ts = *detail.UpdatedAt
	}
	return e.toEvent(ctx, detail, ts)
}

type nameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type taskAttachment struct {
	Type    string      `json:"type"`
	Details []nameValue `json:"details"`
}

type taskChange struct {
	TaskArn     string           `json:"taskArn"`
	LastStatus  string           `json:"lastStatus"`
	StopCode    string           `json:"stopCode"`
	Reason      string           `json:"stoppedReason"`
	Attachments []taskAttachment `json:"attachments"`
	UpdatedAt   *time.Time       `json:"updatedAt"`
}

func (e *ECS) toEvent(ctx context.Context, t taskChange, ts time.Time) (*models.Event, error) {
	ev := &models.Event{
		InstanceID: t.TaskArn,
		Phase:      ecsPhase(t.LastStatus, t.StopCode),
		Timestamp:  ts,
	}
	if ev.Phase.Terminal() {
		ev.Reason = t.Reason
	}
	if ev.Phase == models.PhaseRunning {
		ip, err := e.publicIP(ctx, t.Attachments)
		if err != nil {
			return nil, err
		}
		ev.Endpoint = ip
	}
	return ev, nil
}

func (e *ECS) publicIP(ctx context.Context, attachments []taskAttachment) (string, error) {
	var eniID string
	for _, a := range attachments {
		for _, d := range a.Details {
			if d.Name == "networkInterfaceId" {
				eniID = d.Value
			}
		}
	}
	if eniID == "" {
		return "", nil
	}
	out, err := e.eni.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		NetworkInterfaceIds: []string{eniID},
	})
	if err != nil {
		return "", fmt.Errorf("describe eni %s: %w", eniID, err)
	}
	if len(out.NetworkInterfaces) == 0 {
		return "", nil
	}
	ni := out.NetworkInterfaces[0]
	if ni.Association != nil && ni.Association.PublicIp != nil {
		return aws.ToString(ni.Association.PublicIp), nil
	}
	return aws.ToString(ni.PrivateIpAddress), nil
}

// ecsPhase maps a task's lastStatus onto a lifecycle phase.
func ecsPhase(lastStatus, stopCode string) models.Phase {
	switch lastStatus {
	case "RUNNING":
		return models.PhaseRunning
	case "DEACTIVATING", "STOPPING", "DEPROVISIONING":
		return models.PhaseStopping
	case "STOPPED", "DELETED":
		if stopCode == string(ecstypes.TaskStopCodeTaskFailedToStart) {
			return models.PhaseFailed
		}
		return models.PhaseStopped
	default: // PROVISIONING, PENDING, ACTIVATING
		return models.PhaseProvisioning
	}
}

func ecsEnv(env map[string]string) []ecstypes.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ecstypes.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}
