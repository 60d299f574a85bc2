// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package azure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/jmcvetta/randutil"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// Driver is the azure implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newAzureBackend)

type azureBackendConfig struct {
	SubscriptionID       string
	ClientID             string
	ClientSecret         string
	TenantID             string
	CloudEnvironment     string
	Location             string
	ResourceGroup        string
	NetworkResourceGroup string
	Network              string
	Subnet               string
	Image                string
	VMSize               string
	AdminUsername        string
}

// The Azure SDK clients are hidden behind narrow interfaces so tests
// can substitute stubs. The live implementations also convert the
// SDK's async futures into synchronous calls, and translate errors
// with wrapAzureError.

type virtualMachinesClientWrapper interface {
	createOrUpdate(ctx context.Context,
		resourceGroupName string,
		VMName string,
		parameters compute.VirtualMachine) (result compute.VirtualMachine, err error)
	delete(ctx context.Context, resourceGroupName string, VMName string) (result *http.Response, err error)
	listComplete(ctx context.Context, resourceGroupName string) (result compute.VirtualMachineListResultIterator, err error)
}

type liveVirtualMachinesClient struct {
	inner compute.VirtualMachinesClient
}

func (cl *liveVirtualMachinesClient) createOrUpdate(ctx context.Context,
	resourceGroupName string,
	VMName string,
	parameters compute.VirtualMachine) (result compute.VirtualMachine, err error) {

	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, VMName, parameters)
	if err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	if err = future.WaitForCompletionRef(ctx, cl.inner.Client); err != nil {
		return compute.VirtualMachine{}, wrapAzureError(err)
	}
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *liveVirtualMachinesClient) delete(ctx context.Context, resourceGroupName string, VMName string) (result *http.Response, err error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, VMName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

func (cl *liveVirtualMachinesClient) listComplete(ctx context.Context, resourceGroupName string) (result compute.VirtualMachineListResultIterator, err error) {
	r, err := cl.inner.ListComplete(ctx, resourceGroupName)
	return r, wrapAzureError(err)
}

type interfacesClientWrapper interface {
	createOrUpdate(ctx context.Context,
		resourceGroupName string,
		networkInterfaceName string,
		parameters network.Interface) (result network.Interface, err error)
	delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result *http.Response, err error)
}

type liveInterfacesClient struct {
	inner network.InterfacesClient
}

func (cl *liveInterfacesClient) createOrUpdate(ctx context.Context,
	resourceGroupName string,
	networkInterfaceName string,
	parameters network.Interface) (result network.Interface, err error) {

	future, err := cl.inner.CreateOrUpdate(ctx, resourceGroupName, networkInterfaceName, parameters)
	if err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	if err = future.WaitForCompletionRef(ctx, cl.inner.Client); err != nil {
		return network.Interface{}, wrapAzureError(err)
	}
	r, err := future.Result(cl.inner)
	return r, wrapAzureError(err)
}

func (cl *liveInterfacesClient) delete(ctx context.Context, resourceGroupName string, networkInterfaceName string) (result *http.Response, err error) {
	future, err := cl.inner.Delete(ctx, resourceGroupName, networkInterfaceName)
	if err != nil {
		return nil, wrapAzureError(err)
	}
	err = future.WaitForCompletionRef(ctx, cl.inner.Client)
	return future.Response(), wrapAzureError(err)
}

type disksClientWrapper interface {
	delete(ctx context.Context, resourceGroupName string, diskName string) (result compute.DisksDeleteFuture, err error)
}

type liveDisksClient struct {
	inner compute.DisksClient
}

func (cl *liveDisksClient) delete(ctx context.Context, resourceGroupName string, diskName string) (result compute.DisksDeleteFuture, err error) {
	r, err := cl.inner.Delete(ctx, resourceGroupName, diskName)
	return r, wrapAzureError(err)
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

type azureRateLimitError struct {
	azure.RequestError
	firstRetry time.Time
}

func (ar *azureRateLimitError) EarliestRetry() time.Time {
	return ar.firstRetry
}

type azureQuotaError struct {
	azure.RequestError
}

func (ar *azureQuotaError) IsQuotaError() bool {
	return true
}

// wrapAzureError translates request errors into the error types the
// scheduler understands: throttling responses become
// cloud.RateLimitError, and service errors mentioning quotas or
// limits become cloud.QuotaError. Anything else passes through
// unchanged.
func wrapAzureError(err error) error {
	de, ok := err.(autorest.DetailedError)
	if !ok {
		return err
	}
	rq, ok := de.Original.(*azure.RequestError)
	if !ok || rq.Response == nil {
		return err
	}
	if ra := rq.Response.Header.Get("Retry-After"); ra != "" || rq.Response.StatusCode == http.StatusTooManyRequests {
		earliestRetry := time.Now().Add(20 * time.Second)
		if t, err := http.ParseTime(ra); err == nil {
			earliestRetry = t
		} else if sec, err := strconv.ParseInt(ra, 10, 64); err == nil {
			// Retry-After can be a timestamp or a number
			// of seconds.
			earliestRetry = time.Now().Add(time.Duration(sec) * time.Second)
		}
		return &azureRateLimitError{*rq, earliestRetry}
	}
	if rq.ServiceError == nil {
		return err
	}
	if quotaRe.MatchString(rq.ServiceError.Code) || quotaRe.MatchString(rq.ServiceError.Message) {
		return &azureQuotaError{*rq}
	}
	return err
}

type azureBackend struct {
	azconfig      azureBackendConfig
	instanceSetID cloud.InstanceSetID
	resourceTags  map[string]string
	tagKeyPrefix  string
	readyURL      string
	vmClient      virtualMachinesClientWrapper
	netClient     interfacesClientWrapper
	disksClient   disksClientWrapper
	namePrefix    string
	logger        logrus.FieldLogger
}

func newAzureBackend(cloudcfg spillway.CloudVMsConfig, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.Backend, error) {
	azcfg := azureBackendConfig{}
	err := json.Unmarshal(cloudcfg.DriverParameters, &azcfg)
	if err != nil {
		return nil, fmt.Errorf("error decoding driver parameters: %s", err)
	}
	az := azureBackend{
		instanceSetID: instanceSetID,
		resourceTags:  cloudcfg.ResourceTags,
		tagKeyPrefix:  cloudcfg.TagKeyPrefix,
		readyURL:      cloudcfg.ReadyURL.String(),
		logger:        logger,
	}
	if az.readyURL == "" {
		return nil, errors.New("configuration error: CloudVMs.ReadyURL must be set when using the azure driver")
	}
	err = az.setup(azcfg)
	if err != nil {
		return nil, err
	}
	return &az, nil
}

func (az *azureBackend) setup(azcfg azureBackendConfig) error {
	az.azconfig = azcfg

	env, err := azure.EnvironmentFromName(azcfg.CloudEnvironment)
	if err != nil {
		return err
	}
	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     azcfg.ClientID,
		ClientSecret: azcfg.ClientSecret,
		TenantID:     azcfg.TenantID,
		Resource:     env.ResourceManagerEndpoint,
		AADEndpoint:  env.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return err
	}

	vmClient := compute.NewVirtualMachinesClient(azcfg.SubscriptionID)
	vmClient.Authorizer = authorizer
	az.vmClient = &liveVirtualMachinesClient{vmClient}

	netClient := network.NewInterfacesClient(azcfg.SubscriptionID)
	netClient.Authorizer = authorizer
	az.netClient = &liveInterfacesClient{netClient}

	disksClient := compute.NewDisksClient(azcfg.SubscriptionID)
	disksClient.Authorizer = authorizer
	az.disksClient = &liveDisksClient{disksClient}

	az.namePrefix = fmt.Sprintf("spillway-%s-", az.instanceSetID)
	return nil
}

func (az *azureBackend) tags(vm *spillway.VM) map[string]*string {
	tags := map[string]*string{
		az.tagKeyPrefix + "instance-set-id": to.StringPtr(string(az.instanceSetID)),
		az.tagKeyPrefix + "vmid":            to.StringPtr(string(vm.VMID)),
		"created-at":                        to.StringPtr(time.Now().Format(time.RFC3339Nano)),
	}
	for k, v := range az.resourceTags {
		tags[k] = to.StringPtr(v)
	}
	return tags
}

func (az *azureBackend) cleanupNic(nic network.Interface) {
	_, delerr := az.netClient.delete(context.Background(), az.azconfig.ResourceGroup, *nic.Name)
	if delerr != nil {
		az.logger.WithError(delerr).Warnf("Error cleaning up NIC after failed create")
	}
}

func (az *azureBackend) Start(ctx context.Context, vm *spillway.VM) error {
	name, err := randutil.String(15, "abcdefghijklmnopqrstuvwxyz0123456789")
	if err != nil {
		return err
	}
	name = az.namePrefix + name

	tags := az.tags(vm)

	networkResourceGroup := az.azconfig.NetworkResourceGroup
	if networkResourceGroup == "" {
		networkResourceGroup = az.azconfig.ResourceGroup
	}

	nicParameters := network.Interface{
		Location: &az.azconfig.Location,
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{
				{
					Name: to.StringPtr("ip1"),
					InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
						Subnet: &network.Subnet{
							ID: to.StringPtr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers"+
								"/Microsoft.Network/virtualnetworks/%s/subnets/%s",
								az.azconfig.SubscriptionID,
								networkResourceGroup,
								az.azconfig.Network,
								az.azconfig.Subnet)),
						},
						PrivateIPAllocationMethod: network.Dynamic,
					},
				},
			},
		},
	}
	nic, err := az.netClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name+"-nic", nicParameters)
	if err != nil {
		return wrapAzureError(err)
	}

	customData := base64.StdEncoding.EncodeToString([]byte(cloud.BootScript(az.readyURL, vm)))

	imageID := az.azconfig.Image
	if !strings.HasPrefix(imageID, "/") {
		imageID = "/subscriptions/" + az.azconfig.SubscriptionID + "/resourceGroups/" + az.azconfig.ResourceGroup + "/providers/Microsoft.Compute/images/" + imageID
	}

	// Nobody ever logs in to these VMs, but the API insists on
	// admin credentials, so generate a password and forget it.
	password, err := generatePassword()
	if err != nil {
		az.cleanupNic(nic)
		return err
	}

	vmParameters := compute.VirtualMachine{
		Location: &az.azconfig.Location,
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{
				VMSize: compute.VirtualMachineSizeTypes(az.azconfig.VMSize),
			},
			StorageProfile: &compute.StorageProfile{
				ImageReference: &compute.ImageReference{
					ID: to.StringPtr(imageID),
				},
				OsDisk: &compute.OSDisk{
					OsType:       compute.Linux,
					Name:         to.StringPtr(name + "-os"),
					CreateOption: compute.DiskCreateOptionTypesFromImage,
				},
			},
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{
					{
						ID: nic.ID,
						NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
							Primary: to.BoolPtr(true),
						},
					},
				},
			},
			OsProfile: &compute.OSProfile{
				ComputerName:  &name,
				AdminUsername: to.StringPtr(az.azconfig.AdminUsername),
				AdminPassword: to.StringPtr(password),
				LinuxConfiguration: &compute.LinuxConfiguration{
					DisablePasswordAuthentication: to.BoolPtr(false),
				},
				CustomData: &customData,
			},
		},
	}

	created, err := az.vmClient.createOrUpdate(ctx, az.azconfig.ResourceGroup, name, vmParameters)
	if err != nil {
		// Delete the NIC now. Otherwise an unbounded number of
		// unused NICs can pile up while VM creates keep
		// failing, and NICs are subject to a quota.
		az.cleanupNic(nic)
		return wrapAzureError(err)
	}

	vm.InstanceID = *created.Name
	vm.ProviderType = az.azconfig.VMSize
	vm.Address = nicAddress(nic)
	return nil
}

func (az *azureBackend) Stop(ctx context.Context, vm *spillway.VM) error {
	if vm.InstanceID == "" {
		return fmt.Errorf("cannot stop %s: record has no cloud instance id", vm.VMID)
	}
	_, err := az.vmClient.delete(ctx, az.azconfig.ResourceGroup, vm.InstanceID)
	if err != nil {
		return wrapAzureError(err)
	}
	// The NIC and OS disk outlive the instance. A failure here
	// leaks the resource; log it and report the stop as done, the
	// instance itself is gone.
	if _, err := az.netClient.delete(ctx, az.azconfig.ResourceGroup, vm.InstanceID+"-nic"); err != nil {
		az.logger.WithError(err).WithField("VM", vm.VMID).Warnf("Error deleting NIC %v", vm.InstanceID+"-nic")
	}
	if _, err := az.disksClient.delete(ctx, az.azconfig.ResourceGroup, vm.InstanceID+"-os"); err != nil {
		az.logger.WithError(err).WithField("VM", vm.VMID).Warnf("Error deleting disk %v", vm.InstanceID+"-os")
	}
	return nil
}

func (az *azureBackend) RefreshStatus(ctx context.Context, vms []*spillway.VM) error {
	result, err := az.vmClient.listComplete(ctx, az.azconfig.ResourceGroup)
	if err != nil {
		return wrapAzureError(err)
	}
	found := map[string]compute.VirtualMachine{}
	for ; result.NotDone(); err = result.Next() {
		if err != nil {
			return wrapAzureError(err)
		}
		azvm := result.Value()
		if azvm.Name != nil {
			found[*azvm.Name] = azvm
		}
	}
	for _, vm := range vms {
		azvm, ok := found[vm.InstanceID]
		if !ok {
			vm.State = spillway.VMStateDown
			continue
		}
		vm.State = vmStateFromAzure(azvm)
	}
	return nil
}

func vmStateFromAzure(azvm compute.VirtualMachine) spillway.VMState {
	if azvm.VirtualMachineProperties == nil || azvm.VirtualMachineProperties.ProvisioningState == nil {
		return spillway.VMStateOther
	}
	switch *azvm.VirtualMachineProperties.ProvisioningState {
	case "Creating", "Updating":
		return spillway.VMStateStarting
	case "Succeeded":
		return spillway.VMStateUp
	case "Deleting":
		return spillway.VMStateDown
	default:
		return spillway.VMStateOther
	}
}

// generatePassword returns a throwaway password acceptable to the
// Azure API, which wants characters from at least three classes.
func generatePassword() (string, error) {
	pw := ""
	for _, chars := range []string{
		"abcdefghijklmnopqrstuvwxyz",
		"ABCDEFGHIJKLMNOPQRSTUVWXYZ",
		"0123456789",
	} {
		s, err := randutil.String(6, chars)
		if err != nil {
			return "", err
		}
		pw += s
	}
	return pw, nil
}

func nicAddress(nic network.Interface) string {
	if iprops := nic.InterfacePropertiesFormat; iprops == nil {
		return ""
	} else if ipconfs := iprops.IPConfigurations; ipconfs == nil || len(*ipconfs) == 0 {
		return ""
	} else if ipconfprops := (*ipconfs)[0].InterfaceIPConfigurationPropertiesFormat; ipconfprops == nil {
		return ""
	} else if addr := ipconfprops.PrivateIPAddress; addr == nil {
		return ""
	} else {
		return *addr
	}
}
