// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2Backend)

const (
	tagKeyInstanceSetID = "instance-set-id"
	tagKeyVMID          = "vmid"
)

// EC2 throttling responses carry no Retry-After header, so callers
// are told to hold off for a fixed interval.
const rateLimitHoldoff = 20 * time.Second

type ec2BackendConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	ImageID          string
	InstanceType     string
	SecurityGroupIDs []string
	SubnetID         string
}

type ec2Interface interface {
	RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error)
	TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error)
	DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error)
}

type ec2Backend struct {
	ec2config     ec2BackendConfig
	instanceSetID cloud.InstanceSetID
	resourceTags  map[string]string
	tagKeyPrefix  string
	readyURL      string
	client        ec2Interface
	logger        logrus.FieldLogger
}

func newEC2Backend(cloudcfg spillway.CloudVMsConfig, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.Backend, error) {
	be := &ec2Backend{
		instanceSetID: instanceSetID,
		resourceTags:  cloudcfg.ResourceTags,
		tagKeyPrefix:  cloudcfg.TagKeyPrefix,
		readyURL:      cloudcfg.ReadyURL.String(),
		logger:        logger,
	}
	err := json.Unmarshal(cloudcfg.DriverParameters, &be.ec2config)
	if err != nil {
		return nil, fmt.Errorf("error decoding driver parameters: %s", err)
	}
	if be.readyURL == "" {
		return nil, errors.New("configuration error: CloudVMs.ReadyURL must be set when using the ec2 driver")
	}
	awsConfig := aws.NewConfig().WithRegion(be.ec2config.Region)
	if be.ec2config.AccessKeyID != "" || be.ec2config.SecretAccessKey != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
			be.ec2config.AccessKeyID, be.ec2config.SecretAccessKey, ""))
	}
	be.client = ec2.New(session.Must(session.NewSession(awsConfig)))
	return be, nil
}

func (be *ec2Backend) tags(vm *spillway.VM) []*ec2.Tag {
	ec2tags := []*ec2.Tag{
		{
			Key:   aws.String(be.tagKeyPrefix + tagKeyInstanceSetID),
			Value: aws.String(string(be.instanceSetID)),
		},
		{
			Key:   aws.String(be.tagKeyPrefix + tagKeyVMID),
			Value: aws.String(string(vm.VMID)),
		},
	}
	for k, v := range be.resourceTags {
		ec2tags = append(ec2tags, &ec2.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	return ec2tags
}

func (be *ec2Backend) Start(ctx context.Context, vm *spillway.VM) error {
	rii := ec2.RunInstancesInput{
		ImageId:      aws.String(be.ec2config.ImageID),
		InstanceType: aws.String(be.ec2config.InstanceType),
		MaxCount:     aws.Int64(1),
		MinCount:     aws.Int64(1),

		NetworkInterfaces: []*ec2.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(false),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int64(0),
			Groups:                   aws.StringSlice(be.ec2config.SecurityGroupIDs),
			SubnetId:                 aws.String(be.ec2config.SubnetID),
		}},
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: aws.String("terminate"),
		UserData: aws.String(base64.StdEncoding.EncodeToString([]byte(cloud.BootScript(be.readyURL, vm)))),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String("instance"),
			Tags:         be.tags(vm),
		}},
	}

	rsv, err := be.client.RunInstancesWithContext(ctx, &rii)
	if err != nil {
		return wrapError(err)
	}
	inst := rsv.Instances[0]
	vm.InstanceID = aws.StringValue(inst.InstanceId)
	vm.ProviderType = aws.StringValue(inst.InstanceType)
	vm.Address = aws.StringValue(inst.PrivateIpAddress)
	return nil
}

func (be *ec2Backend) Stop(ctx context.Context, vm *spillway.VM) error {
	if vm.InstanceID == "" {
		return fmt.Errorf("cannot stop %s: record has no cloud instance id", vm.VMID)
	}
	_, err := be.client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(vm.InstanceID)},
	})
	return wrapError(err)
}

func (be *ec2Backend) RefreshStatus(ctx context.Context, vms []*spillway.VM) error {
	dii := &ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("tag:" + be.tagKeyPrefix + tagKeyInstanceSetID),
			Values: []*string{aws.String(string(be.instanceSetID))},
		}},
	}
	found := map[string]*ec2.Instance{}
	for {
		dio, err := be.client.DescribeInstancesWithContext(ctx, dii)
		if err != nil {
			return wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				found[aws.StringValue(inst.InstanceId)] = inst
			}
		}
		if dio.NextToken == nil {
			break
		}
		dii.NextToken = dio.NextToken
	}
	for _, vm := range vms {
		inst, ok := found[vm.InstanceID]
		if !ok {
			vm.State = spillway.VMStateDown
			continue
		}
		if addr := aws.StringValue(inst.PrivateIpAddress); addr != "" {
			vm.Address = addr
		}
		var stateName string
		if inst.State != nil {
			stateName = aws.StringValue(inst.State.Name)
		}
		vm.State = vmStateFromEC2(stateName)
	}
	return nil
}

func vmStateFromEC2(stateName string) spillway.VMState {
	switch stateName {
	case ec2.InstanceStateNamePending:
		return spillway.VMStateStarting
	case ec2.InstanceStateNameRunning:
		return spillway.VMStateUp
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated:
		return spillway.VMStateDown
	default:
		return spillway.VMStateOther
	}
}

var quotaErrorCodes = map[string]bool{
	"InstanceLimitExceeded":        true,
	"InsufficientInstanceCapacity": true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type quotaError struct {
	error
}

func (err quotaError) IsQuotaError() bool {
	return true
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if request.IsErrorThrottle(err) {
		return rateLimitError{error: err, earliestRetry: time.Now().Add(rateLimitHoldoff)}
	}
	if aerr, ok := err.(awserr.Error); ok && quotaErrorCodes[aerr.Code()] {
		return quotaError{error: err}
	}
	return err
}
