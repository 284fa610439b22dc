package provisioner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

type fakeECS struct {
	run      *ecs.RunTaskInput
	runOut   *ecs.RunTaskOutput
	stopErr  error
	stopped  []string
	describe *ecs.DescribeTasksOutput
}

func (f *fakeECS) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.run = in
	return f.runOut, nil
}

func (f *fakeECS) StopTask(_ context.Context, in *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	f.stopped = append(f.stopped, aws.ToString(in.Task))
	return &ecs.StopTaskOutput{}, f.stopErr
}

func (f *fakeECS) DescribeTasks(_ context.Context, in *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	return f.describe, nil
}

type fakeENI struct{ ip string }

func (f fakeENI) DescribeNetworkInterfaces(_ context.Context, in *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{{
		NetworkInterfaceId: aws.String(in.NetworkInterfaceIds[0]),
		Association:        &ec2types.NetworkInterfaceAssociation{PublicIp: aws.String(f.ip)},
	}}}, nil
}

var containerSpec = &models.Spec{Name: "valheim", Backend: models.BackendContainer, TaskFamily: "valheim-task"}

func TestECSLaunch(t *testing.T) {
	api := &fakeECS{runOut: &ecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:task/1")}}}}
	p := NewECS(api, fakeENI{}, ECSConfig{Cluster: "c1", Subnets: []string{"s1", "s2"}, SaveBucket: "saves"})

	id, err := p.Launch(context.Background(), LaunchRequest{Spec: containerSpec, GuildID: "g1", ServerName: "box1"})
	require.NoError(t, err)
	require.Equal(t, "arn:task/1", id)
	require.Equal(t, "valheim-task", aws.ToString(api.run.TaskDefinition))
	require.Equal(t, []string{"s1", "s2"}, api.run.NetworkConfiguration.AwsvpcConfiguration.Subnets)
	require.Equal(t, "valheim", aws.ToString(api.run.Overrides.ContainerOverrides[0].Name))

	env := map[string]string{}
	for _, kv := range api.run.Overrides.ContainerOverrides[0].Environment {
		env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
	}
	require.Equal(t, "saves", env["SERVERBOT_SAVE_BUCKET"])
	require.Equal(t, "box1", env["SERVERBOT_SERVER"])
}

func TestECSLaunchFailureIsCapacity(t *testing.T) {
	api := &fakeECS{runOut: &ecs.RunTaskOutput{Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:MEMORY")}}}}
	p := NewECS(api, fakeENI{}, ECSConfig{Cluster: "c1"})
	_, err := p.Launch(context.Background(), LaunchRequest{Spec: containerSpec})
	require.ErrorIs(t, err, faults.Capacity)
	require.Contains(t, err.Error(), "RESOURCE:MEMORY")
}

func TestECSStopIgnoresMissingTask(t *testing.T) {
	api := &fakeECS{stopErr: &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "The referenced task was not found."}}
	p := NewECS(api, fakeENI{}, ECSConfig{Cluster: "c1"})
	require.NoError(t, p.Stop(context.Background(), "arn:task/1"))
	require.Equal(t, []string{"arn:task/1"}, api.stopped)
}

func TestECSDecodeTaskStateChange(t *testing.T) {
	p := NewECS(&fakeECS{}, fakeENI{ip: "203.0.113.7"}, ECSConfig{Cluster: "c1"})
	detail, _ := json.Marshal(map[string]any{
		"taskArn":    "arn:task/1",
		"lastStatus": "RUNNING",
		"attachments": []map[string]any{{
			"type":    "eni",
			"details": []map[string]string{{"name": "networkInterfaceId", "value": "eni-1"}},
		}},
	})
	ev, err := p.DecodeEvent(context.Background(), events.CloudWatchEvent{
		Source:     "aws.ecs",
		DetailType: "ECS Task State Change",
		Time:       time.Unix(100, 0),
		Detail:     detail,
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunning, ev.Phase)
	require.Equal(t, "203.0.113.7", ev.Endpoint)
	require.Equal(t, "arn:task/1", ev.InstanceID)

	ignored, err := p.DecodeEvent(context.Background(), events.CloudWatchEvent{Source: "aws.ecs", DetailType: "ECS Container Instance State Change"})
	require.NoError(t, err)
	require.Nil(t, ignored)
}

func TestECSPhaseMapping(t *testing.T) {
	require.Equal(t, models.PhaseProvisioning, ecsPhase("PENDING", ""))
	require.Equal(t, models.PhaseStopping, ecsPhase("DEPROVISIONING", ""))
	require.Equal(t, models.PhaseStopped, ecsPhase("STOPPED", "EssentialContainerExited"))
	require.Equal(t, models.PhaseFailed, ecsPhase("STOPPED", "TaskFailedToStart"))
}

func TestECSDescribeMissing(t *testing.T) {
	p := NewECS(&fakeECS{describe: &ecs.DescribeTasksOutput{}}, fakeENI{}, ECSConfig{})
	_, err := p.Describe(context.Background(), "arn:task/9")
	require.ErrorIs(t, err, ErrNotFound)
}

type fakeEC2 struct {
	runErr     error
	run        *ec2.RunInstancesInput
	terminated []string
	state      string
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.run = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{InstanceId: aws.String("i-0abc")}}}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{{
		InstanceId:      aws.String(in.InstanceIds[0]),
		State:           &ec2types.InstanceState{Name: ec2types.InstanceStateName(f.state)},
		PublicIpAddress: aws.String("198.51.100.4"),
	}}}}}, nil
}

var vmSpec = &models.Spec{Name: "minecraft", Backend: models.BackendVM, LaunchTemplate: "mc-template", InstanceType: "t3.large"}

func TestEC2Launch(t *testing.T) {
	api := &fakeEC2{}
	p := NewEC2(api, EC2Config{SubnetID: "subnet-1"})
	id, err := p.Launch(context.Background(), LaunchRequest{Spec: vmSpec, GuildID: "g1", ServerName: "mc"})
	require.NoError(t, err)
	require.Equal(t, "i-0abc", id)
	require.Equal(t, ec2types.InstanceType("t3.large"), api.run.InstanceType)
	require.Equal(t, "mc-template", aws.ToString(api.run.LaunchTemplate.LaunchTemplateName))
	require.NotEmpty(t, aws.ToString(api.run.UserData))
}

func TestEC2CapacityError(t *testing.T) {
	api := &fakeEC2{runErr: &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"}}
	_, err := NewEC2(api, EC2Config{}).Launch(context.Background(), LaunchRequest{Spec: vmSpec})
	require.ErrorIs(t, err, faults.Capacity)
}

func TestEC2DecodeStateChange(t *testing.T) {
	api := &fakeEC2{state: "running"}
	r := NewRouter()
	r.Register(models.BackendVM, NewEC2(api, EC2Config{}))

	ev, err := r.DecodeEvent(context.Background(), events.CloudWatchEvent{
		Source:     "aws.ec2",
		DetailType: "EC2 Instance State-change Notification",
		Detail:     json.RawMessage(`{"instance-id":"i-0abc","state":"running"}`),
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseRunning, ev.Phase)
	require.Equal(t, "198.51.100.4", ev.Endpoint)

	ev, err = r.DecodeEvent(context.Background(), events.CloudWatchEvent{
		Source:     "aws.ec2",
		DetailType: "EC2 Instance State-change Notification",
		Detail:     json.RawMessage(`{"instance-id":"i-0abc","state":"terminated"}`),
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseStopped, ev.Phase)

	none, err := r.DecodeEvent(context.Background(), events.CloudWatchEvent{Source: "aws.s3"})
	require.NoError(t, err)
	require.Nil(t, none)
}
