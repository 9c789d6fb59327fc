package templates

var fileTemplates = map[string]string{
	WorkflowPath:                            workflow,
	"Dockerfile":                            dockerfile,
	ChartDir + "/Chart.yaml":                chart,
	ChartDir + "/values.yaml":               chartValues,
	ChartDir + "/templates/deployment.yaml": deployment,
	ChartDir + "/templates/service.yaml":    service,
}

const workflow = `# Managed by luffy. Changes will be overwritten by reinitialize.
name: luffy

on:
  push:
    branches: [ [[ .Tenant.Repo.Branch | quote ]] ]

env:
  IMAGE: [[ .Image ]]

jobs:
  test:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v3
      - uses: [[ .Stack.SetupAction ]]
        with:
          [[ .Stack.SetupKey ]]: [[ .Stack.SetupVersion | quote ]]
      - run: [[ .Stack.Install ]]
      - run: [[ .Stack.Test ]]

  build:
    needs: test
    runs-on: ubuntu-latest
    permissions:
      contents: read
      packages: write
    steps:
      - uses: actions/checkout@v3
      - uses: docker/login-action@v2
        with:
          registry: [[ .Image | splitList "/" | first ]]
          username: ${{ github.actor }}
          password: ${{ secrets.GITHUB_TOKEN }}
      - uses: docker/build-push-action@v4
        with:
          push: true
          tags: ${{ env.IMAGE }}:${{ github.sha }}

  deploy:
    needs: build
    runs-on: ubuntu-latest
    permissions:
      contents: write
    steps:
      - uses: actions/checkout@v3
      - name: Point dev at the new image
        run: |
          sed -i "s/^  tag: .*/  tag: ${GITHUB_SHA}/" [[ .ValuesDev ]]
          git config user.name luffy
          git config user.email luffy@users.noreply.github.com
          git commit -am "Deploy ${GITHUB_SHA} to dev [skip ci]"
          git push
`

const dockerfile = `# Managed by luffy.
FROM [[ .Stack.BaseImage ]]
WORKDIR /app
COPY . .
RUN [[ .Stack.Install ]] && [[ .Stack.Build ]]
EXPOSE [[ .Port ]]
CMD [[ .Stack.Run ]]
`

const chart = `apiVersion: v2
name: [[ .Tenant.ID ]]
description: [[ .Tenant.DisplayName | default .Tenant.ID | quote ]]
type: application
version: 0.1.0
`

const chartValues = `replicaCount: 1
image:
  repository: [[ .Image ]]
  tag: latest
  pullPolicy: IfNotPresent
service:
  port: [[ .Port ]]
podLabels: {}
resources: {}
`

const deployment = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Chart.Name }}
  labels:
    app.kubernetes.io/name: {{ .Chart.Name }}
    app.kubernetes.io/managed-by: luffy
spec:
  replicas: {{ .Values.replicaCount }}
  selector:
    matchLabels:
      app.kubernetes.io/name: {{ .Chart.Name }}
  template:
    metadata:
      labels:
        app.kubernetes.io/name: {{ .Chart.Name }}
        {{- with .Values.podLabels }}
        {{- toYaml . | nindent 8 }}
        {{- end }}
    spec:
      containers:
        - name: app
          image: "{{ .Values.image.repository }}:{{ .Values.image.tag }}"
          imagePullPolicy: {{ .Values.image.pullPolicy }}
          ports:
            - containerPort: [[ .Port ]]
          readinessProbe:
            tcpSocket:
              port: [[ .Port ]]
          resources:
            {{- toYaml .Values.resources | nindent 12 }}
`

const service = `apiVersion: v1
kind: Service
metadata:
  name: {{ .Chart.Name }}
spec:
  selector:
    app.kubernetes.io/name: {{ .Chart.Name }}
  ports:
    - port: {{ .Values.service.port }}
      targetPort: [[ .Port ]]
`
