package ota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autopeer-io/trustagent/internal/adu"
	"github.com/autopeer-io/trustagent/pkg/log"
)

// Extended result codes reported with a failed deployment.
const (
	ExtendedDownloadFailed int32 = 0x10
	ExtendedInstallFailed  int32 = 0x20
	ExtendedMissingURL     int32 = 0x30
)

var errCancelled = errors.New("deployment cancelled")

func (m *Manager) deploy(ctx context.Context, dep *adu.Deployment) {
	id := dep.Workflow.ID
	ctx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	var result adu.InstallResult
	dir, err := m.downloadDir()
	if err != nil {
		log.Error(err, "Failed to create download directory", "workDir", m.workDir)
		result = failed(adu.InstallResult{}, ExtendedDownloadFailed, err)
	} else {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Error(err, "Failed to clean up download directory", "dir", dir)
			}
		}()

		log.Info("Deployment started", "workflowID", id, "updateID", dep.Manifest.UpdateID.String())
		result, err = m.runSteps(ctx, dep, dir)
		if errors.Is(err, errCancelled) {
			log.Info("Deployment cancelled", "workflowID", id)
			return
		}
	}

	// 用 agent 的 context 上报，安装超时不影响结果上报
	if err := m.workflow.Complete(m.ctx, id, result); err != nil {
		if errors.Is(err, adu.ErrNoDeployment) {
			log.Info("Deployment finished after it was cancelled", "workflowID", id)
			return
		}
		log.Error(err, "Failed to complete deployment", "workflowID", id)
		return
	}

	if result.Succeeded() {
		log.Info("Deployment succeeded", "workflowID", id, "updateID", dep.Manifest.UpdateID.String())
		if err := saveInstalled(m.ctx, m.state, dep.Manifest.UpdateID); err != nil {
			log.Error(err, "Failed to persist installed update id", "updateID", dep.Manifest.UpdateID.String())
		}
	} else {
		log.Warn("Deployment failed", "workflowID", id, "extendedResultCode", result.ExtendedResultCode, "details", result.ResultDetails)
	}
	m.report(m.ctx)
}

func (m *Manager) runSteps(ctx context.Context, dep *adu.Deployment, dir string) (adu.InstallResult, error) {
	var result adu.InstallResult
	fail := func(code int32, err error) (adu.InstallResult, error) {
		return failed(result, code, err), nil
	}

	for _, step := range dep.Manifest.Steps {
		if !m.workflow.InProgress(dep.Workflow.ID) {
			return result, errCancelled
		}

		files := make([]string, 0, len(step.Files))
		for _, fileID := range step.Files {
			file, _ := dep.Manifest.File(fileID)
			url, ok := urlOf(dep.FileURLs, fileID)
			if !ok {
				return fail(ExtendedMissingURL, fmt.Errorf("no url for file %s", fileID))
			}

			dst := filepath.Join(dir, file.FileName)
			start := m.clock.Now()
			if err := m.fetcher.Fetch(ctx, url, *file, dst); err != nil {
				return fail(ExtendedDownloadFailed, err)
			}
			log.Debug("Fetched update file", "file", file.FileName, "took", m.clock.Since(start))
			files = append(files, dst)
		}

		if !m.workflow.InProgress(dep.Workflow.ID) {
			return result, errCancelled
		}
		if err := m.hal.InstallStep(ctx, step.Handler, files, step.InstalledCriteria); err != nil {
			return fail(ExtendedInstallFailed, err)
		}
		result.Steps = append(result.Steps, adu.StepResult{ResultCode: adu.ResultSuccess})
	}

	result.StepResult = adu.StepResult{ResultCode: adu.ResultSuccess}
	return result, nil
}

// downloadDir creates a fresh directory under workDir. Its name never depends
// on the request.
func (m *Manager) downloadDir() (string, error) {
	if err := os.MkdirAll(m.workDir, 0o700); err != nil {
		return "", err
	}
	return os.MkdirTemp(m.workDir, "deploy-*")
}

func failed(result adu.InstallResult, code int32, err error) adu.InstallResult {
	step := adu.StepResult{ResultCode: adu.ResultFailure, ExtendedResultCode: code, ResultDetails: err.Error()}
	result.Steps = append(result.Steps, step)
	result.StepResult = step
	return result
}

func urlOf(urls []adu.FileURL, id string) (string, bool) {
	for _, u := range urls {
		if u.ID == id {
			return u.URL, true
		}
	}
	return "", false
}
